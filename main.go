// Copyright 2025 TransHub Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("🔄 go-transync - Content-Addressed Translation Sync")
	fmt.Println("===================================================")
	fmt.Println()
	fmt.Println("go-transync synchronizes translation entries between offline clients and a")
	fmt.Println("server using Bloom-filter set reconciliation, content-addressed chunked")
	fmt.Println("transfer, and three-way merge with conflict marking.")
	fmt.Println()

	fmt.Println("📚 Available Examples:")
	fmt.Println()
	fmt.Println("1. 🌐 Sync Server Example (examples/sync_server/)")
	fmt.Println("   A complete Postgres-backed sync server using Go's net/http package")
	fmt.Println("   Features: Bloom handshake, chunked upload, merge commit, work queue")
	fmt.Println("   Run: cd examples/sync_server && go run .")
	fmt.Println()

	fmt.Println("2. 🗄️  SQLite Client Example (examples/sqlite_client/)")
	fmt.Println("   Offline-first SQLite client staging entry deltas for upload")
	fmt.Println("   Features: local CID index, resumable chunk upload, commit accounting")
	fmt.Println("   Run: cd examples/sqlite_client && go run .")
	fmt.Println()
}
