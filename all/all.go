// Package all registers every object store backend.
//
// Import it for its side effects before opening a store by URL:
//
//	import (
//		"github.com/git-pkgs/gemserver"
//		_ "github.com/git-pkgs/gemserver/all"
//	)
//
//	repo, err := gemserver.Open(ctx, "sqlite:/var/lib/gemserver/store.db")
package all

import (
	_ "github.com/git-pkgs/gemserver/internal/objectstore/blobstore"
	_ "github.com/git-pkgs/gemserver/internal/objectstore/leveldbstore"
	_ "github.com/git-pkgs/gemserver/internal/objectstore/memstore"
	_ "github.com/git-pkgs/gemserver/internal/objectstore/s3store"
	_ "github.com/git-pkgs/gemserver/internal/objectstore/sqlstore"
)
