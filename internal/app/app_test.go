package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/commodity-bulletin-crawler/internal/bulletin"
	"github.com/JakeFAU/commodity-bulletin-crawler/internal/config"
	"github.com/JakeFAU/commodity-bulletin-crawler/internal/extract"
)

const listingPath = "/markets/oil_products/trades/results/"

func scenarioWorkbook(t *testing.T) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	sheet := f.GetSheetName(0)
	cells := map[string]any{
		"B5": extract.DefaultStartMarker,
		"B6": "Код Инструмента",
		"B8": "A100ANK060F", "C8": "Бензин (АИ-100-К5)", "D8": "ст. Ангарск", "E8": "60", "F8": "4 260 000", "O8": "1",
		"B9": "A592ACH005A", "C9": "Бензин (АИ-92-К5)", "D9": "ст. Ачинск", "E9": "5", "F9": "315000", "O9": "0",
		"B10": "DSC5NVY065F", "C10": "ДТ ЕВРО", "D10": "Новый Уренгой", "E10": "65", "F10": "3900000", "O10": "3",
		"B11": extract.DefaultEndMarker,
	}
	for cell, v := range cells {
		require.NoError(t, f.SetCellValue(sheet, cell, v))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

// exchangeServer serves one listing page with a single bulletin.
func exchangeServer(t *testing.T) *httptest.Server {
	t.Helper()
	doc := scenarioWorkbook(t)
	mux := http.NewServeMux()
	mux.HandleFunc(listingPath, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><body><div class="accordeon-inner__wrap">
<div class="accordeon-inner__item">
<a class="accordeon-inner__item-title link xls" href="/upload/reports/oil_xls/oil_xls_20240313.xls">Бюллетень</a>
<span>13.03.2024</span>
</div>
</div></body></html>`)
	})
	mux.HandleFunc("/upload/reports/oil_xls/oil_xls_20240313.xls", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.ms-excel")
		_, _ = w.Write(doc)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, baseURL string) config.Config {
	t.Helper()
	return config.Config{
		Source: config.SourceConfig{BaseURL: baseURL, ListingPath: listingPath, CutoffYear: 2023, MaxPages: 1},
		HTTP: config.HTTPConfig{
			PageTimeout:     5 * time.Second,
			DocumentTimeout: 5 * time.Second,
		},
		Pipeline: config.PipelineConfig{Concurrency: 2},
		DB:       config.DBConfig{Driver: config.DriverSQLite, DSN: filepath.Join(t.TempDir(), "bulletins.db")},
		Archive:  config.ArchiveConfig{Provider: config.ProviderLocal, BaseDir: t.TempDir(), Prefix: "spimex"},
		Notify:   config.NotifyConfig{Provider: config.ProviderMemory, Topic: "bulletin-ingested"},
		Server:   config.ServerConfig{Port: 8080},
	}
}

func TestBuildAndRunOnce(t *testing.T) {
	ctx := context.Background()
	srv := exchangeServer(t)

	a, err := Build(ctx, testConfig(t, srv.URL), zap.NewNop(), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	refs, err := a.Discover(ctx)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, srv.URL+"/upload/reports/oil_xls/oil_xls_20240313.xls", refs[0].DocumentURL)

	summary, err := a.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 2, summary.RowsUpserted)

	// A second run updates the same natural keys.
	again, err := a.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, again.RowsUpserted)

	require.NoError(t, a.Migrate(ctx))

	stored, err := a.StoredRows(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stored)

	date := time.Date(2024, time.March, 13, 0, 0, 0, 0, time.UTC)
	trade, ok, err := a.Lookup(ctx, bulletin.NaturalKey{ExchangeProductID: "A100ANK060F", TradeDate: date})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "A100", trade.OilID)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/latest", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var latest bulletin.RunSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &latest))
	assert.Equal(t, again.RunID, latest.RunID)

	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildDiscoveryFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	a, err := Build(context.Background(), testConfig(t, srv.URL), nil, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	summary, err := a.RunOnce(context.Background())
	require.Error(t, err)
	var derr *bulletin.DiscoveryError
	assert.ErrorAs(t, err, &derr)
	assert.NotEmpty(t, summary.Error)
}

func TestBuildProviderErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{name: "unknown driver", mutate: func(c *config.Config) { c.DB.Driver = "mysql" }, want: "unknown db driver"},
		{name: "bad postgres dsn", mutate: func(c *config.Config) {
			c.DB = config.DBConfig{Driver: config.DriverPostgres, DSN: "postgres://user@localhost:5432/db?connect_timeout=bogus"}
		}, want: "trade store init failed"},
		{name: "bad table", mutate: func(c *config.Config) { c.DB.Table = "drop table;" }, want: "trade store init failed"},
		{name: "unknown archive", mutate: func(c *config.Config) { c.Archive.Provider = "s3" }, want: "unknown archive provider"},
		{name: "local archive without dir", mutate: func(c *config.Config) { c.Archive.BaseDir = "" }, want: "local archive init failed"},
		{name: "unknown notify", mutate: func(c *config.Config) { c.Notify.Provider = "kafka" }, want: "unknown notify provider"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t, "https://spimex.test")
			tt.mutate(&cfg)
			_, err := Build(context.Background(), cfg, zap.NewNop(), Options{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	srv := exchangeServer(t)
	cfg := testConfig(t, srv.URL)
	cfg.Archive.Provider = config.ProviderNone
	cfg.Notify.Provider = config.ProviderNone
	cfg.Server.Port = 0

	a, err := Build(context.Background(), cfg, zap.NewNop(), Options{RunOnStart: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := a.orchestrator.LastSummary()
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
