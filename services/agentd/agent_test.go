package agentd

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"polyswarmclient/config"
	"polyswarmclient/crypto"
	"polyswarmclient/internal/passphrase"
	"polyswarmclient/roles"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	dir := t.TempDir()
	cfg := config.Config{
		Gateway:  config.GatewayConfig{URL: "http://127.0.0.1:31337", Chains: []string{"Home", "side"}},
		Signer:   config.SignerConfig{Key: hex.EncodeToString(key.Bytes())},
		Schedule: config.ScheduleConfig{JournalPath: filepath.Join(dir, "schedule.db")},
		Ledger:   config.LedgerConfig{Path: filepath.Join(dir, "ledger")},
		Roles: config.RolesConfig{
			Microengine: config.MicroengineConfig{MinBid: "10", MaxBid: "100"},
			Ambassador: config.AmbassadorConfig{Bounties: []config.BountyConfig{
				{Amount: "62500000000000000", URI: "QmArtifacts", Duration: 20},
			}},
		},
	}
	require.NoError(t, cfg.Prepare())
	return cfg
}

func TestRootCommandHasRoleSubcommands(t *testing.T) {
	cmd := NewRootCommand()
	var names []string
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	require.ElementsMatch(t, []string{config.RoleAmbassador, config.RoleMicroengine, config.RoleArbiter}, names)
	require.NotNil(t, cmd.PersistentFlags().Lookup("config"))
	require.NotNil(t, cmd.PersistentFlags().Lookup("log-level"))
}

func TestRoleCommandRejectsMissingConfig(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{config.RoleArbiter, "--config", filepath.Join(t.TempDir(), "missing.yaml")})
	err := cmd.Execute()
	require.Error(t, err)
	require.Contains(t, err.Error(), "load config")
}

func TestNewWiresEveryRole(t *testing.T) {
	for _, role := range []string{config.RoleAmbassador, config.RoleMicroengine, config.RoleArbiter} {
		t.Run(role, func(t *testing.T) {
			agent, err := New(testConfig(t), role, nil)
			require.NoError(t, err)
			t.Cleanup(func() { require.NoError(t, agent.Close()) })

			require.NotEmpty(t, agent.Address())
			require.Equal(t, map[string]string{"home": "disconnected", "side": "disconnected"}, agent.States())
			require.Len(t, agent.schedules, 2)
			require.Equal(t, role == config.RoleAmbassador, agent.ambassador != nil)
		})
	}
}

func TestNewRejectsUnknownRole(t *testing.T) {
	_, err := New(testConfig(t), "oracle", nil)
	require.ErrorContains(t, err, "unknown role")
}

func TestNewUsesWebhookTransport(t *testing.T) {
	cfg := testConfig(t)
	cfg.Webhook.Listen = "127.0.0.1:0"
	cfg.Webhook.Secret = "hook-secret"
	agent, err := New(cfg, config.RoleArbiter, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = agent.Close() })
	require.NotNil(t, agent.webhook)
}

func TestHealthzReportsChains(t *testing.T) {
	agent, err := New(testConfig(t), config.RoleMicroengine, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = agent.Close() })

	rec := httptest.NewRecorder()
	agent.adminHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Role    string                 `json:"role"`
		Chains  map[string]chainStatus `json:"chains"`
		Pending int                    `json:"pending"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, config.RoleMicroengine, body.Role)
	require.Equal(t, "disconnected", body.Chains["home"].State)
	require.Zero(t, body.Pending)
}

func TestLoadKeyFromKeystore(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, crypto.SaveToKeystore(path, key, "hunter2"))

	pass := passphrase.NewSource("").WithPrompt(func(string) (string, error) { return "hunter2", nil })
	loaded, err := loadKey(config.SignerConfig{Keystore: path}, pass)
	require.NoError(t, err)
	require.Equal(t, key.Address(), loaded.Address())

	wrong := passphrase.NewSource("").WithPrompt(func(string) (string, error) { return "nope", nil })
	_, err = loadKey(config.SignerConfig{Keystore: path}, wrong)
	require.ErrorContains(t, err, "unlock keystore")
}

func TestConfiguredBountiesPushInOrder(t *testing.T) {
	src, err := configuredBounties([]config.BountyConfig{
		{Amount: "5", URI: "a", Duration: 10},
		{Amount: "7", URI: "b", Duration: 20},
	})
	require.NoError(t, err)

	var got []roles.QueuedBounty
	err = src.Bounties(context.Background(), "home", func(_ context.Context, b roles.QueuedBounty) error {
		got = append(got, b)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Zero(t, got[0].Amount.Cmp(big.NewInt(5)))
	require.Equal(t, "b", got[1].URI)

	_, err = configuredBounties([]config.BountyConfig{{Amount: "x", URI: "a", Duration: 1}})
	require.Error(t, err)
}
