package processor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"change-events/internal/config"
	"change-events/internal/models"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "transform.js")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestTransformerDisabledPassesThrough(t *testing.T) {
	logger, _ := test.NewNullLogger()
	transformer, err := NewTransformer(nil, logger)
	require.NoError(t, err)

	record := models.ChangeRecord{ID: "1", Operation: models.OpInsert, After: models.ImageOf("id", "1")}
	out, err := transformer.Transform(record)
	require.NoError(t, err)
	assert.Equal(t, record, out)
}

func TestTransformerRules(t *testing.T) {
	logger, _ := test.NewNullLogger()
	transformer, err := NewTransformer(&config.ProcessorConfig{
		Enabled: true,
		Rules: []config.ProcessorRule{
			{Table: "shop.users", Exclude: []string{"Updated_At"}, Rename: map[string]string{"nm": "name"}},
			{Table: "shop.*", Include: []string{"id"}},
		},
	}, logger)
	require.NoError(t, err)

	users, err := transformer.Transform(models.ChangeRecord{
		Table:     "shop.users",
		Operation: models.OpModify,
		Before:    models.ImageOf("id", "1", "nm", "Ann", "updated_at", "t1"),
		After:     models.ImageOf("id", "1", "nm", "Ann", "updated_at", "t2"),
	})
	require.NoError(t, err)
	assert.Equal(t, models.ImageOf("id", "1", "name", "Ann"), users.Before)
	assert.Equal(t, models.ImageOf("id", "1", "name", "Ann"), users.After)

	orders, err := transformer.Transform(models.ChangeRecord{
		Table:     "shop.orders",
		Operation: models.OpInsert,
		After:     models.ImageOf("id", "7", "total", "10"),
	})
	require.NoError(t, err)
	assert.Equal(t, models.ImageOf("id", "7"), orders.After)
	assert.Nil(t, orders.Before)

	other, err := transformer.Transform(models.ChangeRecord{
		Table:     "crm.leads",
		Operation: models.OpInsert,
		After:     models.ImageOf("id", "9", "total", "10"),
	})
	require.NoError(t, err)
	assert.Equal(t, models.ImageOf("id", "9", "total", "10"), other.After)
}

func TestTransformerRulesDoNotMutateInput(t *testing.T) {
	logger, _ := test.NewNullLogger()
	transformer, err := NewTransformer(&config.ProcessorConfig{
		Enabled: true,
		Rules:   []config.ProcessorRule{{Rename: map[string]string{"a": "b"}}},
	}, logger)
	require.NoError(t, err)

	after := models.ImageOf("a", "1")
	_, err = transformer.Transform(models.ChangeRecord{Operation: models.OpInsert, After: after})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, after.Keys())
}

func TestTransformerScript(t *testing.T) {
	logger, _ := test.NewNullLogger()
	script := writeScript(t, `(function(record) {
		if (record.table === "audit.log") { return null; }
		record.after.tier = "gold";
		return record;
	})`)

	transformer, err := NewTransformer(&config.ProcessorConfig{Enabled: true, Script: script}, logger)
	require.NoError(t, err)

	out, err := transformer.Transform(models.ChangeRecord{
		ID:        "customer-42",
		Table:     "crm.customers",
		Operation: models.OpInsert,
		After:     models.ImageOf("id", "customer-42", "name", "Ann"),
	})
	require.NoError(t, err)
	assert.Equal(t, "customer-42", out.ID)
	assert.Equal(t, models.OpInsert, out.Operation)
	assert.Equal(t, []string{"id", "name", "tier"}, out.After.Keys())

	_, err = transformer.Transform(models.ChangeRecord{
		ID:        "1",
		Table:     "audit.log",
		Operation: models.OpInsert,
		After:     models.ImageOf("id", "1"),
	})
	assert.ErrorIs(t, err, ErrRecordRejected)
}

func TestTransformerNamedFunction(t *testing.T) {
	logger, hook := test.NewNullLogger()
	script := writeScript(t, `function transform(record) { console.log("seen", record.id); return record; }`)

	transformer, err := NewTransformer(&config.ProcessorConfig{Enabled: true, Script: script}, logger)
	require.NoError(t, err)

	_, err = transformer.Transform(models.ChangeRecord{ID: "1", Operation: models.OpInsert, After: models.ImageOf("id", "1")})
	require.NoError(t, err)
	require.NotNil(t, hook.LastEntry())
	assert.Contains(t, hook.LastEntry().Message, "seen")
}

func TestTransformerInvalidScript(t *testing.T) {
	logger, _ := test.NewNullLogger()

	_, err := NewTransformer(&config.ProcessorConfig{Enabled: true, Script: writeScript(t, `var x = 1;`)}, logger)
	assert.Error(t, err)

	_, err = NewTransformer(&config.ProcessorConfig{Enabled: true, Script: filepath.Join(t.TempDir(), "missing.js")}, logger)
	assert.Error(t, err)
}
