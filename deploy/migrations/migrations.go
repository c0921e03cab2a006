package migrations

import "embed"

// Files 暴露所有 goose 格式的 SQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS
