package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailv1 "google.golang.org/api/gmail/v1"

	"github.com/inboxbridge/mailsync/internal/auth"
	"github.com/inboxbridge/mailsync/internal/config"
	"github.com/inboxbridge/mailsync/internal/convstore"
	"github.com/inboxbridge/mailsync/internal/credstore"
	"github.com/inboxbridge/mailsync/internal/intake"
	"github.com/inboxbridge/mailsync/internal/mailsync"
	natsjs "github.com/inboxbridge/mailsync/internal/nats"
	"github.com/inboxbridge/mailsync/internal/session"
)

type SendEmailRequest struct {
	To        []string `json:"to" binding:"required,min=1,dive,email"`
	Cc        []string `json:"cc" binding:"omitempty,dive,email"`
	Bcc       []string `json:"bcc" binding:"omitempty,dive,email"`
	Subject   string   `json:"subject" binding:"required"`
	Message   string   `json:"message" binding:"required"`
	InReplyTo string   `json:"inReplyTo"`
}

func main() {
	log := logrus.New()

	cfg, err := config.Load("")
	if err != nil {
		log.Fatal(err)
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	creds, err := credstore.Open(cfg.DataRoot)
	if err != nil {
		log.Fatal(err)
	}
	defer creds.Close()

	convs, err := convstore.Open(cfg.DataRoot)
	if err != nil {
		log.Fatal(err)
	}
	defer convs.Close()

	publisher, err := natsjs.NewPublisher(cfg.NATSURL)
	if err != nil {
		log.Fatal(err)
	}
	defer publisher.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := publisher.EnsureStream(ctx); err != nil {
		log.Fatal(err)
	}
	go publisher.Dispatch(ctx, convs, log)

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmailv1.GmailModifyScope},
	}

	registry := session.NewRegistry(creds, oauthCfg, log)
	factory := registry.ProviderFactory()

	correlator := &mailsync.Correlator{Convs: convs, Log: log}
	reconciler := mailsync.NewReconciler(creds, factory, correlator, log)
	subscriber := &mailsync.Subscriber{Creds: creds, Providers: factory, Topic: cfg.PubSubTopic, Log: log}
	sender := &mailsync.Sender{Creds: creds, Convs: convs, Providers: factory, Log: log}

	verifier, err := auth.NewJWTVerifier(cfg.JWKSURL)
	if err != nil {
		log.Fatal(err)
	}

	r := gin.Default()

	// Pub/Sub push endpoint. 4xx tells the transport the payload can never
	// succeed; 5xx means the cursor is unadvanced and redelivery is safe.
	r.POST("/gmail/pubsubpushnotification", func(c *gin.Context) {
		raw, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}

		n, err := intake.Decode(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		replies, err := reconciler.Reconcile(c.Request.Context(), n.EmailAddress, n.NewCursor)
		if err != nil {
			switch {
			case errors.Is(err, mailsync.ErrTenantNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			case errors.Is(err, mailsync.ErrMissingCursor), errors.Is(err, mailsync.ErrAuthenticationFailed):
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}

		c.JSON(http.StatusOK, gin.H{"replyHistory": replies})
	})

	authorized := r.Group("/gmail")
	authorized.Use(authMiddleware(verifier))

	authorized.POST("/send", func(c *gin.Context) {
		var req SendEmailRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		resp, err := sender.Send(c.Request.Context(), c.GetString("tenant_user_id"), mailsync.OutboundRequest{
			To:        req.To,
			Cc:        req.Cc,
			Bcc:       req.Bcc,
			Subject:   req.Subject,
			Body:      req.Message,
			InReplyTo: req.InReplyTo,
		})
		if err != nil {
			switch {
			case errors.Is(err, mailsync.ErrOriginalMessageNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "original message not found", "code": "original_message_not_found"})
			case errors.Is(err, credstore.ErrCredentialNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "credential not found", "code": "credential_not_found"})
			case errors.Is(err, mailsync.ErrAuthenticationFailed):
				c.JSON(http.StatusUnauthorized, gin.H{"error": "re-authentication required", "code": "authentication_failed"})
			default:
				c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "code": "provider_error"})
			}
			return
		}

		c.JSON(http.StatusOK, resp)
	})

	authorized.POST("/watch", func(c *gin.Context) {
		cursor, err := subscriber.RegisterWatch(c.Request.Context(), c.GetString("tenant_user_id"))
		if err != nil {
			if errors.Is(err, credstore.ErrCredentialNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "credential not found", "code": "credential_not_found"})
				return
			}
			// Subscription failures are reported, not fatal to the tenant's
			// session; the watch can be retried.
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "code": "subscription_failed"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"historyId": cursor})
	})

	authorized.GET("/messages", func(c *gin.Context) {
		max, _ := strconv.ParseInt(c.DefaultQuery("max", "100"), 10, 64)

		provider, err := factory(c.Request.Context(), c.GetString("tenant_user_id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}

		refs, err := provider.ListMessages(c.Request.Context(), max)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"messages": refs})
	})

	log.Fatal(r.Run(cfg.ListenAddr))
}

func authMiddleware(verifier *auth.JWTVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := verifier.UserFromRequest(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		c.Set("tenant_user_id", user.ID)
		c.Set("tenant_email", user.Email)
		c.Next()
	}
}
