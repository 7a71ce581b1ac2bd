package models

import (
	"slices"
	"sort"
)

// TargetField is one field of the catalog entity being imported into.
// The profile (type, semantic type, uniqueness, keywords) drives statistical
// matching; the constraints drive row validation.
type TargetField struct {
	Name         string        `json:"name"`
	Type         PrimitiveType `json:"type"`
	SemanticType SemanticType  `json:"semantic_type,omitempty"`
	Required     bool          `json:"required"`
	Unique       bool          `json:"unique"`
	Keywords     []string      `json:"keywords,omitempty"`
	MaxLength    int           `json:"max_length,omitempty"`
	Min          *float64      `json:"min,omitempty"`
	Max          *float64      `json:"max,omitempty"`
	Enum         []string      `json:"enum,omitempty"`
}

// HasKeyword reports whether word is one of the field's keywords or its name.
func (f *TargetField) HasKeyword(word string) bool {
	if word == "" {
		return false
	}
	return word == f.Name || slices.Contains(f.Keywords, word)
}

// TargetSchema is the fixed schema for one catalog entity type.
type TargetSchema struct {
	EntityType string        `json:"entity_type"`
	Fields     []TargetField `json:"fields"`
}

// Field returns the named field or nil.
func (s *TargetSchema) Field(name string) *TargetField {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			return &s.Fields[i]
		}
	}
	return nil
}

// RequiredFields returns the names of required fields.
func (s *TargetSchema) RequiredFields() []string {
	var names []string
	for _, f := range s.Fields {
		if f.Required {
			names = append(names, f.Name)
		}
	}
	return names
}

func floatPtr(v float64) *float64 { return &v }

// CatalogSchemas holds the built-in target schemas keyed by entity type.
var CatalogSchemas = map[string]*TargetSchema{
	"product": {
		EntityType: "product",
		Fields: []TargetField{
			{Name: "sku", Type: PrimitiveString, SemanticType: SemanticSKU, Required: true, Unique: true, MaxLength: 64,
				Keywords: []string{"sku", "code", "item_code", "article", "part_number", "product_code"}},
			{Name: "name", Type: PrimitiveString, SemanticType: SemanticText, Required: true, MaxLength: 255,
				Keywords: []string{"name", "title", "label", "product_name"}},
			{Name: "description", Type: PrimitiveString, SemanticType: SemanticText, MaxLength: 4000,
				Keywords: []string{"description", "details", "summary", "notes"}},
			{Name: "price", Type: PrimitiveNumber, SemanticType: SemanticCurrency, Required: true, Min: floatPtr(0),
				Keywords: []string{"price", "amount", "cost", "unit_price", "retail", "msrp"}},
			{Name: "currency", Type: PrimitiveString, MaxLength: 3,
				Keywords: []string{"currency", "ccy", "iso_currency"}},
			{Name: "quantity", Type: PrimitiveInteger, Min: floatPtr(0),
				Keywords: []string{"quantity", "stock", "inventory", "on_hand", "count", "units"}},
			{Name: "category", Type: PrimitiveString, SemanticType: SemanticText, MaxLength: 128,
				Keywords: []string{"category", "group", "department", "type", "family"}},
			{Name: "brand", Type: PrimitiveString, SemanticType: SemanticText, MaxLength: 128,
				Keywords: []string{"brand", "manufacturer", "maker", "vendor"}},
			{Name: "weight", Type: PrimitiveNumber, Min: floatPtr(0),
				Keywords: []string{"weight", "mass", "kg", "lb"}},
			{Name: "discount", Type: PrimitiveNumber, SemanticType: SemanticPercentage, Min: floatPtr(0), Max: floatPtr(1),
				Keywords: []string{"discount", "markdown", "rebate", "percent"}},
			{Name: "url", Type: PrimitiveString, SemanticType: SemanticURL, MaxLength: 2048,
				Keywords: []string{"url", "link", "website", "image", "page"}},
			{Name: "supplier_email", Type: PrimitiveString, SemanticType: SemanticEmail, MaxLength: 254,
				Keywords: []string{"email", "contact", "supplier_email", "vendor_email", "mail"}},
			{Name: "release_date", Type: PrimitiveString, SemanticType: SemanticDate,
				Keywords: []string{"date", "release_date", "launch", "available", "created"}},
			{Name: "active", Type: PrimitiveBoolean,
				Keywords: []string{"active", "enabled", "available", "status", "published"}},
		},
	},
	"inventory": {
		EntityType: "inventory",
		Fields: []TargetField{
			{Name: "sku", Type: PrimitiveString, SemanticType: SemanticSKU, Required: true, Unique: true, MaxLength: 64,
				Keywords: []string{"sku", "code", "item_code", "product_code"}},
			{Name: "warehouse", Type: PrimitiveString, Required: true, MaxLength: 64,
				Keywords: []string{"warehouse", "location", "site", "store", "depot"}},
			{Name: "quantity", Type: PrimitiveInteger, Required: true, Min: floatPtr(0),
				Keywords: []string{"quantity", "stock", "on_hand", "count", "units", "available"}},
			{Name: "reorder_level", Type: PrimitiveInteger, Min: floatPtr(0),
				Keywords: []string{"reorder", "minimum", "threshold", "safety_stock"}},
			{Name: "updated_on", Type: PrimitiveString, SemanticType: SemanticDate,
				Keywords: []string{"date", "updated", "as_of", "counted"}},
		},
	},
	"price_list": {
		EntityType: "price_list",
		Fields: []TargetField{
			{Name: "sku", Type: PrimitiveString, SemanticType: SemanticSKU, Required: true, Unique: true, MaxLength: 64,
				Keywords: []string{"sku", "code", "item_code", "product_code"}},
			{Name: "price", Type: PrimitiveNumber, SemanticType: SemanticCurrency, Required: true, Min: floatPtr(0),
				Keywords: []string{"price", "amount", "cost", "unit_price", "list_price"}},
			{Name: "currency", Type: PrimitiveString, Required: true, MaxLength: 3,
				Enum: []string{"USD", "EUR", "GBP", "CAD", "AUD", "JPY"}, Keywords: []string{"currency", "ccy"}},
			{Name: "valid_from", Type: PrimitiveString, SemanticType: SemanticDate,
				Keywords: []string{"valid_from", "start", "effective", "from"}},
			{Name: "valid_to", Type: PrimitiveString, SemanticType: SemanticDate,
				Keywords: []string{"valid_to", "end", "expires", "until"}},
		},
	},
}

// GetCatalogSchema returns the built-in schema for an entity type.
func GetCatalogSchema(entityType string) (*TargetSchema, bool) {
	s, ok := CatalogSchemas[entityType]
	return s, ok
}

// CatalogEntityTypes returns the built-in entity types in sorted order.
func CatalogEntityTypes() []string {
	types := make([]string, 0, len(CatalogSchemas))
	for k := range CatalogSchemas {
		types = append(types, k)
	}
	sort.Strings(types)
	return types
}
