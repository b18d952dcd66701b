package store

import (
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"listen-engine/deploy/migrations"
)

// schemaStatements 按版本顺序返回内嵌建表脚本中的全部语句。
// 脚本均为幂等语句，每次启动都会重新执行。
func schemaStatements() ([]string, error) {
	entries, err := fs.ReadDir(migrations.Files, ".")
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var statements []string
	for _, name := range names {
		content, err := migrations.Files.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		statements = append(statements, splitSQLStatements(string(content))...)
	}
	return statements, nil
}

func splitSQLStatements(content string) []string {
	var statements []string
	for _, stmt := range strings.Split(content, ";") {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}
