package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	gzip "github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/psyclub/membership/routes"
	"github.com/psyclub/membership/services"
	"github.com/psyclub/membership/utils"
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if os.Getenv("GO_ENV") == "production" {
		log.SetFormatter(&log.JSONFormatter{})
	}

	execDir, err := filepath.Abs(filepath.Dir(os.Args[0]))
	if err != nil {
		log.Fatalf("Failed to get exec dir: %v", err)
	}

	// 优先从当前工作目录加载配置文件，找不到再看执行文件目录
	viper.SetConfigFile("config.yaml")
	if err := viper.ReadInConfig(); err != nil {
		viper.SetConfigFile(filepath.Join(execDir, "config.yaml"))
		if err := viper.ReadInConfig(); err != nil {
			log.Fatalf("Failed to read config: %v", err)
		}
	}

	// 初始化数据库
	db, err := utils.InitDatabase(
		viper.GetString("mysql.host"),
		viper.GetString("mysql.user"),
		viper.GetString("mysql.password"),
		viper.GetString("mysql.dbname"),
		viper.GetInt("mysql.port"),
	)
	if err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}
	if err := utils.MigrateDatabase(db); err != nil {
		log.Fatalf("Database migration failed: %v", err)
	}

	// 把viper配置物化成显式结构体，注入各driver，管道内部不读全局配置
	pipelineConfig := services.PipelineConfig{
		StrictDedup: viper.GetBool("pipeline.strict_dedup"),
	}
	for _, id := range viper.GetIntSlice("providers.donorbox.campaign_ids") {
		pipelineConfig.DonorboxCampaignIDs = append(pipelineConfig.DonorboxCampaignIDs, int64(id))
	}

	secrets := routes.ProviderSecrets{
		WebconnexNewMemberHMAC: viper.GetString("providers.webconnex.new_member_hmac"),
		WebconnexRecurringHMAC: viper.GetString("providers.webconnex.recurring_hmac"),
		DonorboxHMAC:           viper.GetString("providers.donorbox.hmac"),
	}
	if secrets.WebconnexNewMemberHMAC == "" || secrets.WebconnexRecurringHMAC == "" || secrets.DonorboxHMAC == "" {
		log.Fatal("Missing webhook HMAC secrets in config (providers.*)")
	}

	reconcileService := services.NewReconcileService(db, pipelineConfig)

	notifyService, err := services.NewNotifyService(services.NotifyConfig{
		Enabled:                viper.GetBool("notify.enabled"),
		FromAddress:            viper.GetString("notify.from"),
		ReplyToAddress:         viper.GetString("notify.reply_to"),
		Subject:                viper.GetString("notify.subject"),
		SMTPHost:               viper.GetString("notify.smtp.host"),
		SMTPPort:               viper.GetInt("notify.smtp.port"),
		SMTPUsername:           viper.GetString("notify.smtp.username"),
		SMTPPassword:           viper.GetString("notify.smtp.password"),
		DiscordBotToken:        viper.GetString("notify.discord.bot_token"),
		DiscordInviteChannelID: viper.GetString("notify.discord.invite_channel_id"),
	})
	if err != nil {
		log.Fatalf("Failed to init notify service: %v", err)
	}

	donorboxClient := services.NewDonorboxClient(services.DonorboxConfig{
		APIBase: viper.GetString("providers.donorbox.api_base"),
		Login:   viper.GetString("providers.donorbox.login"),
		APIKey:  viper.GetString("providers.donorbox.api_key"),
		PerPage: viper.GetInt("providers.donorbox.per_page"),
	})

	// 设置 GIN 为生产模式
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.SetTrustedProxies([]string{"127.0.0.1"})
	router.Use(gin.Recovery())
	router.Use(gzip.Gzip(gzip.DefaultCompression))

	// 安全头部
	router.Use(func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Next()
	})

	apiRoutes := routes.NewAPIRoutes(reconcileService, notifyService, donorboxClient, pipelineConfig, secrets)
	apiRoutes.SetupRoutes(router)

	port := viper.GetInt("server.port")
	addr := fmt.Sprintf(":%d", port)

	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // CSV导入/回补是同步长请求
		IdleTimeout:  60 * time.Second,
	}

	log.Infof("Server running on http://localhost%s", addr)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Failed to start server: %v", err)
	}
}
