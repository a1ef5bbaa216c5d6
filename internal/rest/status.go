package rest

import (
	"net/http"

	"github.com/0xRichardL/pool-relay/internal/notifier"
	"github.com/0xRichardL/pool-relay/internal/scheduler"
	"github.com/gin-gonic/gin"
)

type AccountStatuses interface {
	Status() []scheduler.AccountStatus
}

type DeliveryStats interface {
	Stats() notifier.Stats
}

type QueueDepth interface {
	Len() int
}

type StatusController struct {
	accounts AccountStatuses
	delivery DeliveryStats
	queue    QueueDepth
}

func NewStatusController(accounts AccountStatuses, delivery DeliveryStats, queue QueueDepth) *StatusController {
	return &StatusController{accounts: accounts, delivery: delivery, queue: queue}
}

func (c *StatusController) RegisterStatusRoutes(rg *gin.RouterGroup) {
	rg.GET("/status", c.handleStatus)
}

type statusResponse struct {
	Accounts []scheduler.AccountStatus `json:"accounts"`
	Delivery notifier.Stats            `json:"delivery"`
	Queued   int                       `json:"queued"`
}

func (c *StatusController) handleStatus(ctx *gin.Context) {
	resp := statusResponse{Accounts: []scheduler.AccountStatus{}}
	if c.accounts != nil {
		resp.Accounts = c.accounts.Status()
	}
	if c.delivery != nil {
		resp.Delivery = c.delivery.Stats()
	}
	if c.queue != nil {
		resp.Queued = c.queue.Len()
	}
	ctx.JSON(http.StatusOK, resp)
}
