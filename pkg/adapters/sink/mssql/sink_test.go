package mssql

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ekaya-inc/ekaya-import/pkg/models"
)

func TestDialect(t *testing.T) {
	d := Dialect{}

	assert.Equal(t, "[catalog_product]", d.Quote("catalog_product"))
	assert.Equal(t, "[a]]b]", d.Quote("a]b"))
	assert.Equal(t, "@p4", d.Placeholder(4))

	tests := []struct {
		field models.TargetField
		want  string
	}{
		{models.TargetField{Type: models.PrimitiveInteger}, "BIGINT"},
		{models.TargetField{Type: models.PrimitiveNumber}, "FLOAT"},
		{models.TargetField{Type: models.PrimitiveBoolean}, "BIT"},
		{models.TargetField{Type: models.PrimitiveString, MaxLength: 64}, "NVARCHAR(64)"},
		{models.TargetField{Type: models.PrimitiveString}, "NVARCHAR(MAX)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, d.ColumnType(tt.field))
	}
}

func TestDialect_InsertIsIdempotent(t *testing.T) {
	d := Dialect{}
	stmt := d.Insert("catalog_product", []string{"session_id", "record_index", "[sku]"}, []string{"@p1", "@p2", "@p3"})

	assert.Contains(t, stmt, "IF NOT EXISTS (SELECT 1 FROM [catalog_product] WHERE session_id = @p1 AND record_index = @p2)")
	assert.Contains(t, stmt, "INSERT INTO [catalog_product] (session_id, record_index, [sku]) VALUES (@p1, @p2, @p3)")
}

func TestDialect_CreateTable(t *testing.T) {
	ddl := Dialect{}.CreateTable("o'brien", []string{"a INT"})
	assert.Equal(t, "IF OBJECT_ID(N'o''brien', N'U') IS NULL CREATE TABLE [o'brien] (a INT)", ddl)
}
