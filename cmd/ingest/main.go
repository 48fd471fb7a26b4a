package main

import (
	_ "net/http/pprof"
	"os"

	"github.com/distribution/ingest/registry"
	_ "github.com/distribution/ingest/registry/storage/cache/memory"
	_ "github.com/distribution/ingest/registry/storage/cache/redis"
	_ "github.com/distribution/ingest/registry/storage/driver/filesystem"
	_ "github.com/distribution/ingest/registry/storage/driver/inmemory"
)

func main() {
	if err := registry.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
