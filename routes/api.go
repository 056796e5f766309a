package routes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/psyclub/membership/models"
	"github.com/psyclub/membership/services"
	"github.com/psyclub/membership/utils"
)

// ProviderSecrets 各webhook endpoint独立的HMAC密钥
type ProviderSecrets struct {
	WebconnexNewMemberHMAC string
	WebconnexRecurringHMAC string
	DonorboxHMAC           string
}

type APIRoutes struct {
	reconcile *services.ReconcileService
	notify    *services.NotifyService
	donorbox  *services.DonorboxClient
	pipeline  services.PipelineConfig
	secrets   ProviderSecrets

	// WebSocket实时流水推送
	upgrader   websocket.Upgrader
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mutex      sync.Mutex
}

func NewAPIRoutes(
	reconcile *services.ReconcileService,
	notify *services.NotifyService,
	donorbox *services.DonorboxClient,
	pipeline services.PipelineConfig,
	secrets ProviderSecrets,
) *APIRoutes {
	ar := &APIRoutes{
		reconcile: reconcile,
		notify:    notify,
		donorbox:  donorbox,
		pipeline:  pipeline,
		secrets:   secrets,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 仪表盘部署在别的域名下，放开来源检查
			},
		},
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}

	go ar.runWebSocketServer()

	return ar
}

// SetupRoutes 设置路由
func (ar *APIRoutes) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api")
	{
		// 实时webhook入口，每个endpoint独立密钥
		api.POST("/webhooks/webconnex/new-member", ar.WebconnexNewMember)
		api.POST("/webhooks/webconnex/payment-success", ar.WebconnexPaymentSuccess)
		api.POST("/webhooks/donorbox/new-donation", ar.DonorboxNewDonation)

		admin := api.Group("/admin")
		{
			admin.POST("/bulk-import/givingfuel", ar.GivingFuelBulkImport)
			admin.POST("/backfill/donorbox", ar.DonorboxBackfill)
		}
	}

	// WebSocket实时流水推送
	router.GET("/ws", ar.WebSocketHandler)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// WebconnexNewMember GivingFuel/Webconnex新会员下单推送
func (ar *APIRoutes) WebconnexNewMember(c *gin.Context) {
	ar.handleWebconnex(c, ar.secrets.WebconnexNewMemberHMAC)
}

// WebconnexPaymentSuccess GivingFuel/Webconnex续费扣款成功推送
func (ar *APIRoutes) WebconnexPaymentSuccess(c *gin.Context) {
	ar.handleWebconnex(c, ar.secrets.WebconnexRecurringHMAC)
}

// handleWebconnex 先验签再解析：签名不过直接401，绝不碰报文内容
func (ar *APIRoutes) handleWebconnex(c *gin.Context, secret string) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	body, err := c.GetRawData()
	if err != nil {
		c.String(http.StatusBadRequest, "error reading body")
		return
	}

	if err := services.VerifyWebconnexSignature(secret, c.GetHeader("X-Webconnex-Signature"), body); err != nil {
		log.WithError(err).Warn("webconnex webhook signature rejected")
		c.String(http.StatusUnauthorized, err.Error())
		return
	}

	var payload services.WebconnexPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.String(http.StatusBadRequest, "invalid json")
		return
	}

	event, skipReason, err := services.NormalizeWebconnex(&payload)
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	if skipReason != "" {
		// “不适用”不是错误：204让provider别再重试
		c.Status(http.StatusNoContent)
		return
	}

	ar.applyAndRespond(c, ctx, event)
}

// DonorboxNewDonation Donorbox捐款推送（报文是单元素数组）
func (ar *APIRoutes) DonorboxNewDonation(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	body, err := c.GetRawData()
	if err != nil {
		c.String(http.StatusBadRequest, "error reading body")
		return
	}

	if err := services.VerifyDonorboxSignature(ar.secrets.DonorboxHMAC, c.GetHeader("Donorbox-Signature"), body); err != nil {
		log.WithError(err).Warn("donorbox webhook signature rejected")
		c.String(http.StatusUnauthorized, err.Error())
		return
	}

	var events []services.DonorboxEvent
	if err := json.Unmarshal(body, &events); err != nil || len(events) == 0 {
		c.String(http.StatusBadRequest, "invalid json")
		return
	}

	event, skipReason, err := services.NormalizeDonorbox(&events[0], ar.pipeline)
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	if skipReason != "" {
		c.Status(http.StatusNoContent)
		return
	}

	ar.applyAndRespond(c, ctx, event)
}

// applyAndRespond 入账 + 广播 + 首次会员触发欢迎邮件
// 通知失败只附在响应里上报，已提交的流水绝不回滚
func (ar *APIRoutes) applyAndRespond(c *gin.Context, ctx context.Context, event *models.PaymentEvent) {
	result, err := ar.reconcile.ProcessEvent(ctx, event)
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	if result.Outcome == models.OutcomeSkipped {
		c.Status(http.StatusNoContent)
		return
	}

	ar.BroadcastNewPayment(event, result)

	resp := gin.H{
		"member_id":      result.MemberID,
		"transaction_id": result.PaymentID,
	}
	if result.CreatedMember {
		resp["created_member_id"] = result.MemberID
		if err := ar.notify.SendWelcome(event); err != nil {
			log.WithError(err).WithField("email", event.PayerEmail).
				Error("welcome notification failed after committed payment")
			resp["notify_error"] = err.Error()
		}
	}

	c.JSON(http.StatusOK, resp)
}

// GivingFuelBulkImport GivingFuel CSV批量导入
// 操作员身份由上游认证代理注入X-Operator-Email；表单里的email-verify必须与之
// 一致才放行（授权控制，在读任何一行之前拒绝）
func (ar *APIRoutes) GivingFuelBulkImport(c *gin.Context) {
	operator := strings.TrimSpace(c.GetHeader("X-Operator-Email"))
	if operator == "" {
		c.String(http.StatusUnauthorized, "operator identity missing")
		return
	}

	confirm := strings.TrimSpace(c.PostForm("email-verify"))
	if !strings.EqualFold(confirm, operator) {
		c.String(http.StatusBadRequest, "Email does not match")
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.String(http.StatusBadRequest, "Invalid CSV File")
		return
	}
	f, err := fileHeader.Open()
	if err != nil {
		c.String(http.StatusBadRequest, "Invalid CSV File")
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		c.String(http.StatusBadRequest, "Invalid CSV File")
		return
	}

	// 整个文件一个事务，大文件耗时长，超时放宽
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Minute)
	defer cancel()

	summary, err := ar.reconcile.ImportGivingFuelCSV(ctx, data)
	if err != nil {
		if errors.Is(err, services.ErrInvalidCSV) {
			c.String(http.StatusBadRequest, err.Error())
		} else {
			c.String(http.StatusInternalServerError, err.Error())
		}
		return
	}

	c.String(http.StatusOK, "Added %d members and %d payments successfully",
		summary.MembersAdded, summary.PaymentsAdded)
}

type backfillRequest struct {
	DateFrom string `json:"date_from" binding:"required"`
}

// DonorboxBackfill 从指定日期起回补Donorbox历史捐款，同步返回聚合结果
func (ar *APIRoutes) DonorboxBackfill(c *gin.Context) {
	var req backfillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.String(http.StatusBadRequest, "date_from is required")
		return
	}
	if _, err := time.Parse("2006-01-02", req.DateFrom); err != nil {
		c.String(http.StatusBadRequest, "date_from must be YYYY-MM-DD")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Minute)
	defer cancel()

	summary, err := ar.reconcile.BackfillDonorbox(ctx, ar.donorbox, req.DateFrom)
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}

	c.JSON(http.StatusOK, summary)
}

// runWebSocketServer 运行WebSocket服务器
func (ar *APIRoutes) runWebSocketServer() {
	log.Info("WebSocket payment feed started")

	for {
		select {
		case client := <-ar.register:
			ar.mutex.Lock()
			ar.clients[client] = true
			clientCount := len(ar.clients)
			ar.mutex.Unlock()
			log.Infof("WebSocket client connected, %d total", clientCount)

		case client := <-ar.unregister:
			ar.mutex.Lock()
			if _, ok := ar.clients[client]; ok {
				delete(ar.clients, client)
				client.Close()
			}
			clientCount := len(ar.clients)
			ar.mutex.Unlock()
			log.Infof("WebSocket client disconnected, %d total", clientCount)

		case message := <-ar.broadcast:
			ar.mutex.Lock()
			for client := range ar.clients {
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					// 写失败的连接直接踢掉
					client.Close()
					delete(ar.clients, client)
				}
			}
			ar.mutex.Unlock()
		}
	}
}

// WebSocketHandler 处理WebSocket连接
func (ar *APIRoutes) WebSocketHandler(c *gin.Context) {
	conn, err := ar.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Error("error upgrading to WebSocket")
		return
	}

	connID := utils.GenerateConnID()
	log.WithFields(log.Fields{"conn_id": connID, "remote": c.ClientIP()}).Debug("WebSocket client connecting")

	ar.register <- conn

	// 只做服务端推送，客户端消息除ping外一律忽略
	for {
		messageType, _, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.WithError(err).Warn("WebSocket error")
			}
			break
		}
		if messageType == websocket.PingMessage {
			if err := conn.WriteMessage(websocket.PongMessage, nil); err != nil {
				break
			}
		}
	}

	ar.unregister <- conn
}

// BroadcastNewPayment 把刚入账的流水推给所有在线仪表盘
func (ar *APIRoutes) BroadcastNewPayment(event *models.PaymentEvent, result *models.ApplyResult) {
	message := map[string]interface{}{
		"type": "new_payment",
		"payment": map[string]interface{}{
			"payment_id":     result.PaymentID,
			"member_id":      result.MemberID,
			"created_member": result.CreatedMember,
			"platform":       event.SourceProvider,
			"amount_paid":    event.Amount.StringFixed(2),
			"effective_on":   event.EffectiveDate.Format("2006-01-02"),
		},
		"timestamp": time.Now().Unix(),
	}

	data, err := json.Marshal(message)
	if err != nil {
		log.WithError(err).Error("error marshaling payment broadcast")
		return
	}

	// 非阻塞发送：没有消费者时不能卡住webhook响应
	select {
	case ar.broadcast <- data:
	default:
		log.Debug("broadcast channel full, dropping payment feed message")
	}
}
