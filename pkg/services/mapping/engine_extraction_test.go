package mapping

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-import/pkg/models"
	"github.com/ekaya-inc/ekaya-import/pkg/services/extraction"
)

// catalogCSV mixes plain and currency-marked amounts in the abbreviated "amt" column.
const catalogCSV = "prod_name,amt,sku\n" +
	"Blue Mug,12.50,MUG-001\n" +
	"Red Kettle,$8.99,KET-002\n" +
	"Green Teapot,4.25,TEA-003\n" +
	"Steel Ladle,19.00,LAD-004\n" +
	"Oak Tray,$7.10,TRY-005\n"

func TestEngine_Resolve_ExtractedCatalogFile(t *testing.T) {
	ctx := context.Background()

	extracted, err := extraction.New(5, zap.NewNop()).Extract(ctx, []byte(catalogCSV), "catalog.csv")
	require.NoError(t, err)
	require.Equal(t, []string{"prod_name", "amt", "sku"}, extracted.FieldNames())
	require.Equal(t, 5, extracted.TotalRecords)

	engine := NewEngine(nil, nil, testMappingConfig(), zap.NewNop())
	result, err := engine.Resolve(ctx, extracted.Fields, scenarioSchema(), Options{})
	require.NoError(t, err)
	require.Len(t, result.Mappings, 3)

	prodName := mappingFor(result, "prod_name")
	assert.Equal(t, "name", prodName.TargetField)
	assert.Equal(t, models.StrategyFuzzy, prodName.Strategy)
	assert.GreaterOrEqual(t, prodName.Confidence, 70.0)
	assert.LessOrEqual(t, prodName.Confidence, 95.0)
	assert.False(t, prodName.Ambiguous)

	amt := mappingFor(result, "amt")
	assert.Equal(t, "price", amt.TargetField)
	assert.Equal(t, models.StrategyStatistical, amt.Strategy)
	assert.InDelta(t, 90.0, amt.Confidence, 0.001)
	assert.False(t, amt.Ambiguous)

	sku := mappingFor(result, "sku")
	assert.Equal(t, "sku", sku.TargetField)
	assert.Equal(t, models.StrategyExact, sku.Strategy)
	assert.Equal(t, 100.0, sku.Confidence)
	assert.False(t, sku.Ambiguous)

	assert.Equal(t, 3, result.Metadata.MappedCount)
	assert.Zero(t, result.Metadata.UnmappedCount)
	assert.Empty(t, result.Metadata.UnclaimedRequired)
	for _, w := range result.Metadata.Warnings {
		assert.NotEqual(t, "ambiguous", w.Kind, "unexpected ambiguity warning for %s", w.SourceField)
	}
	assert.InDelta(t, (prodName.Confidence+amt.Confidence+100)/3, result.Metadata.AggregateConfidence, 0.001)
}
