package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"circulation/internal/pkg/bootstrap"
	"circulation/internal/service/lending/application"
	"circulation/internal/service/lending/domain"
	"circulation/internal/service/lending/infrastructure/memory"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seededConfig() *bootstrap.Config {
	cfg := bootstrap.DefaultConfig()
	cfg.App.EligibilityRule = `active && role != "GUEST"`
	cfg.Seed = bootstrap.SeedConfig{
		Titles: []bootstrap.SeedTitle{
			{ID: "T-1", Name: "Dune", Copies: 1},
			// 重复的书目在初始化时跳过
			{ID: "T-1", Name: "Dune", Copies: 1},
		},
		Accounts: []bootstrap.SeedAccount{
			{ID: "U-1", Role: "STUDENT", Active: true},
			{ID: "U-2", Role: "GUEST", Active: true},
		},
	}
	return cfg
}

func TestAssemble_MemoryBackendsWithSeed(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a, err := assemble(context.Background(), seededConfig())
	require.NoError(t, err)
	assert.Empty(t, a.closers)

	req := httptest.NewRequest(http.MethodGet, "/api/titles/T-1", nil)
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	borrow := func(user string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/titles/T-1/borrow", nil)
		req.Header.Set("X-User-ID", user)
		w := httptest.NewRecorder()
		a.handler.ServeHTTP(w, req)
		return w.Code
	}
	assert.Equal(t, http.StatusForbidden, borrow("U-2"))
	assert.Equal(t, http.StatusCreated, borrow("U-1"))
	assert.Equal(t, http.StatusConflict, borrow("U-1"))
}

func TestAssemble_InvalidRule(t *testing.T) {
	cfg := bootstrap.DefaultConfig()
	cfg.App.EligibilityRule = "role +"
	_, err := assemble(context.Background(), cfg)
	assert.Error(t, err)
}

func TestSeed_InvalidatesCachedAccounts(t *testing.T) {
	ctx := context.Background()
	accounts := memory.NewAccountDirectory(domain.Account{ID: "U-1", Role: domain.RoleStudent, Active: true})
	lendingCache := memory.NewCache()
	coordinator := application.NewLendingCoordinator(memory.NewStockLedger(), memory.NewLoanLedger(), accounts, lendingCache)

	// 先读一次，账户进入缓存
	cached, err := coordinator.GetAccount(ctx, "U-1")
	require.NoError(t, err)
	require.True(t, cached.Active)

	data := bootstrap.SeedConfig{Accounts: []bootstrap.SeedAccount{{ID: "U-1", Role: "STUDENT", Active: false}}}
	require.NoError(t, seed(ctx, data, coordinator, accounts, lendingCache))

	account, err := coordinator.GetAccount(ctx, "U-1")
	require.NoError(t, err)
	assert.False(t, account.Active)
}
