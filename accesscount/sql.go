package accesscount

import (
	"fmt"
	"strings"
)

// BlankTableName is an always-empty table with the access count layout
const BlankTableName = "blank_access_count_info"

// CreateTableSQL returns the DDL for an access count table
func CreateTableSQL(name string) string {
	return fmt.Sprintf("CREATE TABLE %s(fid INTEGER NOT NULL, count INTEGER NOT NULL)", name)
}

// DropTableSQL returns the statement removing an access count table
func DropTableSQL(name string) string {
	return "DROP TABLE IF EXISTS " + name
}

// UnionTablesQuery concatenates the rows of all tables
func UnionTablesQuery(tableNames []string) string {
	parts := make([]string, 0, len(tableNames))
	for _, name := range tableNames {
		parts = append(parts, "SELECT fid, count FROM "+name)
	}
	return strings.Join(parts, " UNION ALL ")
}

// AggregateSQL sums the counts of sources per fid into dest
func AggregateSQL(dest string, sources []string) string {
	return fmt.Sprintf("INSERT INTO %s SELECT fid, SUM(count) AS count FROM (%s) AS tmp GROUP BY fid",
		dest, UnionTablesQuery(sources))
}

// ProportionSQL fills dest with the counts of src scaled by ratio
func ProportionSQL(dest, src string, ratio float64) string {
	return fmt.Sprintf("INSERT INTO %s SELECT fid, ROUND(count * %.3f) AS count FROM %s", dest, ratio, src)
}

// UpdateFileIDSQL remaps one fid inside a table
func UpdateFileIDSQL(table string, src, dst int64) string {
	return fmt.Sprintf("UPDATE %s SET fid = %d WHERE fid = %d", table, dst, src)
}

func tableNames(tables []AccessCountTable) []string {
	names := make([]string, 0, len(tables))
	for _, t := range tables {
		names = append(names, t.Name)
	}
	return names
}
