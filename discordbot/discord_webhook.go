package discordbot

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
)

const apiDiscordInteractions = "/api/discord/interactions"

type DiscordWebhookServer struct {
	config     DiscordWebhookServerConfig
	httpServer *http.Server
	engine     *gin.Engine
	logger     *slog.Logger
}

func (d *DiscordWebhookServer) Serve(_ context.Context) error {
	network := d.config.ListenNetwork
	if network == "" {
		network = defaultListenNetwork
	}
	ln, err := net.Listen(network, d.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", d.config.Listen, err)
	}
	d.logger.Info("webhook server listening", "addr", ln.Addr().String())

	if d.httpServer.TLSConfig == nil {
		d.logger.Warn("starting server without TLS")
		return d.httpServer.Serve(ln)
	}
	return d.httpServer.ServeTLS(ln, "", "")
}

// newWebhookServer creates and returns a new [DiscordWebhookServer], and/or
// any errors that occurred during creation.
func newWebhookServer(
	d *Bot,
	config DiscordWebhookServerConfig,
) (*DiscordWebhookServer, error) {
	r := gin.New()
	server := &DiscordWebhookServer{
		config: config,
		engine: r,
		logger: newComponentLogger(defaultLogWriter, "discord_webhook", config.LogLevel),
	}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}
	if config.SSL != nil {
		tlsCfg, e := tlsConfig(config.SSL)
		if e != nil {
			return nil, fmt.Errorf("error loading webhook SSL certs: %w", e)
		}
		httpServer.TLSConfig = tlsCfg
	}
	server.httpServer = httpServer

	if d.config.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(server.logger),
		discordRequestAuthenticationMiddleware(d.discord.publicKey),
	)

	r.POST(
		apiDiscordInteractions,
		func(c *gin.Context) {
			d.webhookInteractionHandler(c)
		},
	)
	return server, nil
}

// WebhookHandler is a handler for Discord interactions received via webhook.
// The initial response is written as the HTTP response body, and
// everything else goes through the REST API like the gateway handler.
// See: https://discord.com/developers/docs/interactions/overview#setting-up-an-endpoint-validating-security-request-headers
//
//nolint:lll  // can't split link
type WebhookHandler struct {
	ginContext *gin.Context
	InteractionHandler
}

func (WebhookHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodWebhook
}

// Respond writes the response and flushes it, so discord sees the
// initial response before any follow-up requests are made. Content-Length
// is set so the response is complete without waiting on the handler
// to return.
func (w WebhookHandler) Respond(
	_ context.Context,
	response *discordgo.InteractionResponse,
) error {
	body, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("error marshaling interaction response: %w", err)
	}
	w.ginContext.Header("Content-Length", strconv.Itoa(len(body)))
	w.ginContext.Data(http.StatusOK, "application/json", body)
	w.ginContext.Writer.Flush()
	return nil
}

// webhookReceiveHandler returns a [gin.Handler] for handling Discord webhook
// interactions
func webhookReceiveHandler(ctx context.Context, d *Bot) func(c *gin.Context) {
	return func(c *gin.Context) {
		requestID, _ := c.Get(xRequestIDHeader)
		logger := ginContextLogger(c).With(
			slog.Group(
				"webhook_request",
				"remote_addr", c.Request.RemoteAddr,
				"remote_ip", c.RemoteIP(),
				"path", c.Request.URL.Path,
				xRequestIDHeader, requestID,
			),
		)

		runCtx := WithLogger(ctx, logger)

		defer func() {
			_ = c.Request.Body.Close()
		}()
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			logger.ErrorContext(runCtx, "error getting raw data", tint.Err(err))
			c.JSON(http.StatusInternalServerError, httpError{Error: "error getting raw data"})
			return
		}

		var interaction discordgo.InteractionCreate
		if e := json.Unmarshal(body, &interaction); e != nil {
			logger.ErrorContext(runCtx, "error unmarshalling body", tint.Err(e))
			c.JSON(http.StatusBadRequest, httpError{Error: "error unmarshalling body"})
			return
		}
		i := &interaction
		handler := WebhookHandler{
			ginContext:         c,
			InteractionHandler: d.getInteractionHandlerFunc(ctx, i),
		}
		d.handleInteraction(runCtx, handler)
	}
}

// discordRequestAuthenticationMiddleware is a middleware for verifying Discord
// webhook requests.
// See: https://discord.com/developers/docs/interactions/overview#setting-up-an-endpoint-validating-security-request-headers
//
//nolint:lll // can't split link
func discordRequestAuthenticationMiddleware(publicKey ed25519.PublicKey) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		if !verifyRequest(c.Request, publicKey) {
			logger.WarnContext(c, "invalid signature")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "invalid signature"})
			return
		}
		c.Next()
	}
}

// verifyRequest verifies the authenticity of a Discord webhook request.
//
// This function checks the request's signature and timestamp headers to validate
// the request. It reads the request body and verifies the signature using
// the provided public key. The body is restored afterward.
func verifyRequest(r *http.Request, key ed25519.PublicKey) bool {
	if len(key) != ed25519.PublicKeySize {
		return false
	}

	var msg bytes.Buffer

	signature := r.Header.Get("X-Signature-Ed25519")
	if signature == "" {
		return false
	}

	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	if len(sig) != ed25519.SignatureSize || sig[63]&224 != 0 {
		return false
	}

	timestamp := r.Header.Get("X-Signature-Timestamp")
	if timestamp == "" {
		return false
	}

	msg.WriteString(timestamp)

	defer func() {
		_ = r.Body.Close()
	}()
	var body bytes.Buffer

	defer func() {
		r.Body = io.NopCloser(&body)
	}()

	_, err = io.Copy(&msg, io.TeeReader(r.Body, &body))
	if err != nil {
		return false
	}

	return ed25519.Verify(key, msg.Bytes(), sig)
}
