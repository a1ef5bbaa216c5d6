package rest

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/0xRichardL/pool-relay/internal/domain"
	"github.com/gin-gonic/gin"
)

// AccountStore is the Redis-backed set of extra accounts. Added accounts are
// picked up on the next start.
type AccountStore interface {
	ListAccounts(ctx context.Context) ([]domain.Account, error)
	AddAccount(ctx context.Context, acc domain.Account) error
}

type AccountController struct {
	store AccountStore
}

func NewAccountController(store AccountStore) *AccountController {
	return &AccountController{store: store}
}

func (c *AccountController) RegisterAccountRoutes(rg *gin.RouterGroup) {
	rg.GET("/accounts", c.handleListAccounts)
	rg.POST("/accounts", c.handleAddAccount)
}

type accountView struct {
	ID      string   `json:"id"`
	Workers []string `json:"workers,omitempty"`
	Rooms   []string `json:"rooms,omitempty"`
}

func (c *AccountController) handleListAccounts(ctx *gin.Context) {
	accounts, err := c.store.ListAccounts(ctx.Request.Context())
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	// Tokens never leave the process.
	views := make([]accountView, 0, len(accounts))
	for _, acc := range accounts {
		views = append(views, accountView{ID: acc.ID, Workers: acc.Workers, Rooms: acc.Rooms})
	}
	ctx.JSON(http.StatusOK, views)
}

func (c *AccountController) handleAddAccount(ctx *gin.Context) {
	var req struct {
		ID      string   `json:"id"`
		Token   string   `json:"token"`
		Workers []string `json:"workers"`
		Rooms   []string `json:"rooms"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" || strings.TrimSpace(req.Token) == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "id and token are required"})
		return
	}

	acc := domain.Account{ID: req.ID, Token: req.Token, Workers: req.Workers, Rooms: req.Rooms}

	reqCtx, cancel := context.WithTimeout(ctx.Request.Context(), 5*time.Second)
	defer cancel()
	if err := c.store.AddAccount(reqCtx, acc); err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	ctx.Status(http.StatusNoContent)
}
