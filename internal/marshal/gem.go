package marshal

import (
	"encoding/binary"
	"sort"
	"time"

	"github.com/git-pkgs/gemserver/internal/core"
)

const (
	classVersion       = "Gem::Version"
	classRequirement   = "Gem::Requirement"
	classDependency    = "Gem::Dependency"
	classSpecification = "Gem::Specification"
	classTime          = "Time"
)

// Values written for specs that do not declare them.
const (
	defaultRubygemsVersion      = "3.5.22"
	defaultSpecificationVersion = 4
)

// defaultDate is the fixed date RubyGems uses for reproducible builds.
var defaultDate = time.Date(1980, time.January, 2, 0, 0, 0, 0, time.UTC)

// EncodeIndex encodes a specs index: an array of [name, Gem::Version, platform].
func EncodeIndex(tuples []core.Tuple) ([]byte, error) {
	e := newEncoder()
	e.writeArrayHeader(len(tuples))
	for _, t := range tuples {
		e.writeArrayHeader(3)
		e.writeString(t.Name)
		e.writeVersion(t.Version)
		e.writeString(core.NormalizePlatform(t.Platform))
	}
	return e.bytes()
}

// EncodeDependencyReply encodes the dependency API reply: an array of hashes
// with :name, :number, :platform and :dependencies keys.
func EncodeDependencyReply(entries []core.DependencyEntry) ([]byte, error) {
	e := newEncoder()
	e.writeArrayHeader(len(entries))
	for _, entry := range entries {
		e.writeHashHeader(4)
		e.writeSymbol("name")
		e.writeString(entry.Name)
		e.writeSymbol("number")
		e.writeString(entry.Number)
		e.writeSymbol("platform")
		e.writeString(core.NormalizePlatform(entry.Platform))
		e.writeSymbol("dependencies")
		e.writeArrayHeader(len(entry.Dependencies))
		for _, dep := range entry.Dependencies {
			e.writeArrayHeader(2)
			e.writeString(dep.Name)
			e.writeString(NormalizeRequirement(dep.Requirement))
		}
	}
	return e.bytes()
}

// EncodeSpec encodes a full Gem::Specification as RubyGems' _dump does: a
// user-defined object whose payload is a nested Marshal array.
func EncodeSpec(spec *core.Spec) ([]byte, error) {
	payload, err := encodeSpecFields(spec)
	if err != nil {
		return nil, err
	}
	e := newEncoder()
	e.writeUserDefined(classSpecification, payload)
	return e.bytes()
}

func encodeSpecFields(spec *core.Spec) ([]byte, error) {
	a := spec.Attributes
	platform := core.NormalizePlatform(spec.Platform)

	rubygemsVersion := a.RubygemsVersion
	if rubygemsVersion == "" {
		rubygemsVersion = defaultRubygemsVersion
	}
	specVersion := a.SpecificationVersion
	if specVersion == 0 {
		specVersion = defaultSpecificationVersion
	}
	date := a.Date
	if date.IsZero() {
		date = defaultDate
	}

	e := newEncoder()
	e.writeArrayHeader(19)
	e.writeString(rubygemsVersion)
	e.writeFixnum(specVersion)
	e.writeString(spec.Name)
	e.writeVersion(spec.Version)
	e.writeTime(date)
	e.writeOptionalString(a.Summary)
	e.writeRequirement(a.RequiredRubyVersion)
	e.writeRequirement(a.RequiredRubygemsVersion)
	e.writeString(platform)
	e.writeArrayHeader(len(spec.Dependencies))
	for _, dep := range spec.Dependencies {
		e.writeDependency(dep)
	}
	e.writeNil() // rubyforge_project
	switch len(a.Email) {
	case 0:
		e.writeNil()
	case 1:
		e.writeString(a.Email[0])
	default:
		e.writeStrings(a.Email)
	}
	e.writeStrings(a.Authors)
	e.writeOptionalString(a.Description)
	e.writeOptionalString(a.Homepage)
	e.writeBool(true) // has_rdoc
	e.writeString(platform)
	e.writeStrings(a.Licenses)
	e.writeMetadata(a.Metadata)
	return e.bytes()
}

func (e *encoder) writeVersion(v string) {
	e.writeUserMarshalHeader(classVersion)
	e.writeArrayHeader(1)
	e.writeString(v)
}

func (e *encoder) writeRequirement(req string) {
	cs := parseRequirement(req)
	e.writeUserMarshalHeader(classRequirement)
	e.writeArrayHeader(1)
	e.writeArrayHeader(len(cs))
	for _, c := range cs {
		e.writeArrayHeader(2)
		e.writeString(c.op)
		e.writeVersion(c.version)
	}
}

func (e *encoder) writeDependency(dep core.Dependency) {
	scope := dep.Scope
	if scope == "" {
		scope = core.Runtime
	}
	e.writeObjectHeader(classDependency, 4)
	e.writeSymbol("@name")
	e.writeString(dep.Name)
	e.writeSymbol("@requirement")
	e.writeRequirement(dep.Requirement)
	e.writeSymbol("@type")
	e.writeSymbol(string(scope))
	e.writeSymbol("@prerelease")
	e.writeBool(false)
}

func (e *encoder) writeMetadata(m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	e.writeHashHeader(len(keys))
	for _, k := range keys {
		e.writeString(k)
		e.writeString(m[k])
	}
}

// writeTime writes a UTC Time in the 8-byte _dump layout with a :zone ivar.
func (e *encoder) writeTime(t time.Time) {
	t = t.UTC()
	if t.Year() < 1900 || t.Year() > 1900+0xffff {
		e.fail("time %s out of range", t)
		return
	}
	p := uint32(1)<<31 |
		uint32(1)<<30 |
		uint32(t.Year()-1900)<<14 |
		uint32(t.Month()-1)<<10 |
		uint32(t.Day())<<5 |
		uint32(t.Hour())
	s := uint32(t.Minute())<<26 |
		uint32(t.Second())<<20 |
		uint32(t.Nanosecond()/1000)

	var data [8]byte
	binary.LittleEndian.PutUint32(data[:4], p)
	binary.LittleEndian.PutUint32(data[4:], s)

	e.buf.WriteByte(tagIVar)
	e.writeUserDefined(classTime, data[:])
	e.writeLong(1)
	e.writeSymbol("zone")
	e.writeASCIIString("UTC")
}

// decodeTime reverses writeTime's payload.
func decodeTime(data []byte) (time.Time, bool) {
	if len(data) != 8 {
		return time.Time{}, false
	}
	p := binary.LittleEndian.Uint32(data[:4])
	s := binary.LittleEndian.Uint32(data[4:])
	if p&(1<<31) == 0 {
		return time.Time{}, false
	}
	year := int(p>>14&0xffff) + 1900
	month := time.Month(p>>10&0xf) + 1
	day := int(p >> 5 & 0x1f)
	hour := int(p & 0x1f)
	minute := int(s >> 26 & 0x3f)
	sec := int(s >> 20 & 0x3f)
	usec := int(s & 0xfffff)
	return time.Date(year, month, day, hour, minute, sec, usec*1000, time.UTC), true
}
