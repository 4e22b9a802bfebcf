package main

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"call-signaling/internal/auth"
	"call-signaling/internal/calls"
	"call-signaling/internal/config"
	"call-signaling/internal/push"
	"call-signaling/internal/transport"

	"github.com/gin-gonic/gin"
)

type routeDeps struct {
	cfg    config.Config
	auth   *auth.Manager
	authMW gin.HandlerFunc
	hub    *transport.Hub
	store  *calls.SessionStore
	tokens push.TokenRepo
	log    *slog.Logger
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	r.POST("/v1/auth/token", d.issueToken)

	// The socket carries the whole signaling protocol; everything below is
	// the thin REST rim around it.
	r.GET("/ws", d.authMW, func(c *gin.Context) {
		userID, err := auth.UserID(c.Request.Context())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		if err := d.hub.Serve(c.Writer, c.Request, userID); err != nil {
			d.log.Debug("socket serve ended", "user_id", userID, "err", err)
		}
	})

	v1 := r.Group("/v1")
	v1.Use(d.authMW)
	{
		devices := v1.Group("/devices")
		{
			devices.POST("", d.registerDevice)
			devices.DELETE("/:token", d.removeDevice)
		}

		v1.GET("/calls/:call_id", d.callStatus)
	}
}

type tokenRequest struct {
	UserID       string `json:"user_id"`
	RefreshToken string `json:"refresh_token"`
}

// issueToken exchanges a refresh token for a fresh pair. Outside production
// it also mints a pair from a bare user_id, which keeps local clients and
// integration tests free of an identity provider.
func (d routeDeps) issueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "malformed request"})
		return
	}

	now := time.Now()
	userID := strings.TrimSpace(req.UserID)

	if req.RefreshToken != "" {
		claims, err := d.auth.Verify(req.RefreshToken, auth.TokenTypeRefresh, now)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
			return
		}
		userID = claims.UserID
	} else if d.cfg.IsProduction() {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "refresh_token is required"})
		return
	} else if userID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}

	pair, err := d.auth.IssuePair(now, userID)
	if err != nil {
		d.log.Error("token issue failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	c.JSON(200, gin.H{
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
	})
}

type deviceRequest struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

func (d routeDeps) registerDevice(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	var req deviceRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Token) == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "token is required"})
		return
	}
	if req.Platform == "" {
		req.Platform = "fcm"
	}

	if err := d.tokens.Save(c.Request.Context(), push.DeviceToken{
		UserID:   userID,
		Token:    strings.TrimSpace(req.Token),
		Platform: req.Platform,
	}); err != nil {
		d.log.Error("device save failed", "user_id", userID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "could not register device"})
		return
	}
	c.JSON(200, gin.H{"status": "registered"})
}

func (d routeDeps) removeDevice(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	token := c.Param("token")
	if err := d.tokens.Delete(c.Request.Context(), userID, token); err != nil {
		d.log.Error("device delete failed", "user_id", userID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "could not remove device"})
		return
	}
	c.JSON(200, gin.H{"status": "removed"})
}

// callStatus lets a client that reconnected mid-call ask what happened to a
// call. Terminal records linger briefly in the store for exactly this query.
func (d routeDeps) callStatus(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	callID := c.Param("call_id")
	sess, found, err := d.store.GetCall(c.Request.Context(), callID)
	if err != nil {
		d.log.Error("call lookup failed", "call_id", callID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if !found {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}
	if userID != sess.CallerID && userID != sess.CalleeID {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "not a participant"})
		return
	}
	c.JSON(200, sess)
}
