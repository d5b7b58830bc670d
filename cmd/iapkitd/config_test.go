package main

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/PaulFidika/iapkit/entitlements"
)

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "products.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"id":"pro.monthly","display_name":"Pro","price":"4.99","currency":"USD","type":"Auto-Renewable Subscription","span":"monthly","level":"premium"},
		{"id":"com.example.permanent.ultra","price":59.99,"currency":"EUR","type":"Non-Consumable"}
	]`), 0o600))

	cfg := bindConfig(&cobra.Command{Use: "test"})
	cfg.v.Set("products-file", path)
	cfg.v.Set("strict-catalog", true)

	src, catalog, err := cfg.loadCatalog()
	require.NoError(t, err)
	products, err := src.Products(context.Background())
	require.NoError(t, err)
	require.Len(t, products, 2)
	require.Equal(t, "4.99", products[0].Price.String())

	span, level, err := catalog.Classify("pro.monthly")
	require.NoError(t, err)
	require.Equal(t, entitlements.SpanMonthly, span)
	require.Equal(t, entitlements.LevelPremium, level)

	// unmapped fields fall back to the naming convention
	span, level, err = catalog.Classify("com.example.permanent.ultra")
	require.NoError(t, err)
	require.Equal(t, entitlements.SpanPermanent, span)
	require.Equal(t, entitlements.LevelUltra, level)

	_, _, err = catalog.Classify("unknown")
	require.ErrorIs(t, err, entitlements.ErrUnmappedProduct)
}

func TestLoadCatalogWithoutFile(t *testing.T) {
	cfg := bindConfig(&cobra.Command{Use: "test"})
	src, catalog, err := cfg.loadCatalog()
	require.NoError(t, err)
	require.Nil(t, src)
	require.Nil(t, catalog)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("IAPKIT_BUNDLE_ID", "com.example.env")
	t.Setenv("IAPKIT_MIN_REFRESH_AGE", "30m")
	cfg := bindConfig(&cobra.Command{Use: "test"})
	require.Equal(t, "com.example.env", cfg.v.GetString("bundle-id"))
	require.Equal(t, "30m0s", cfg.v.GetDuration("min-refresh-age").String())
	require.Equal(t, ":8080", cfg.v.GetString("listen"))
}

func TestSignerFallsBackToDevKey(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	cfg := bindConfig(&cobra.Command{Use: "test"})
	cfg.v.Set("keys-dir", t.TempDir())
	cfg.v.Set("bundle-id", "com.example.app")

	_, err := cfg.signer(log)
	require.ErrorIs(t, err, fs.ErrNotExist)

	dev := filepath.Join(t.TempDir(), "dev")
	cfg.v.Set("dev-keys", dev)
	first, err := cfg.signer(log)
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(dev, "AuthKey.p8"))

	// the persisted key is reused on the next start
	second, err := cfg.signer(log)
	require.NoError(t, err)
	require.Equal(t, first.KID(), second.KID())
	require.True(t, first.PublicKey().Equal(second.PublicKey()))
}
