// Package parquet writes and reads measurement rows as Parquet.
//
// The package provides:
//   - Writer for streaming rows into any io.Writer (files or HTTP responses)
//   - Reader for reading exported files back
//   - Support for multiple compression algorithms (snappy, zstd, lz4, gzip)
package parquet
