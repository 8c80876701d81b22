package main

import (
	"github.com/gorilla/websocket"

	app "github.com/mark3748/helpdesk-realtime/cmd/api/app"
	"github.com/mark3748/helpdesk-realtime/cmd/api/attachments"
	"github.com/mark3748/helpdesk-realtime/cmd/api/auth"
	callsapi "github.com/mark3748/helpdesk-realtime/cmd/api/calls"
	"github.com/mark3748/helpdesk-realtime/cmd/api/messages"
	"github.com/mark3748/helpdesk-realtime/cmd/api/metrics"
	"github.com/mark3748/helpdesk-realtime/cmd/api/presence"
	"github.com/mark3748/helpdesk-realtime/cmd/api/ws"
	"github.com/mark3748/helpdesk-realtime/internal/ratelimit"
)

// UserStore is everything the API needs from the users table.
type UserStore interface {
	ws.UserStore
	auth.CredentialStore
}

type MessageStore interface {
	ws.MessageStore
	messages.Lister
}

type CallStore interface {
	ws.CallStore
	callsapi.Lister
}

// Server bundles what the HTTP routes depend on besides the App itself.
type Server struct {
	Hub        *ws.Hub
	Gate       *auth.Gate
	Upgrader   *websocket.Upgrader
	Users      UserStore
	Messages   MessageStore
	Calls      CallStore
	Presign    attachments.Presigner
	LoginLimit *ratelimit.Limiter
}

func routes(a *app.App, s Server) {
	a.R.GET("/healthz", app.Healthz)
	a.R.GET("/readyz", a.Readyz)
	a.R.GET("/metrics", metrics.Handler())

	a.R.POST("/login", s.LoginLimit.Middleware(ratelimit.ClientIP), auth.Login(a, s.Users))
	a.R.POST("/logout", auth.Logout)
	a.R.GET("/ws", ws.Serve(s.Hub, s.Gate, s.Upgrader))

	authed := a.R.Group("/")
	authed.Use(auth.Middleware(a, s.Gate))
	authed.GET("/me", auth.Me)
	authed.GET("/presence", presence.List(s.Hub.Presence()))
	authed.GET("/presence/:userID", presence.Get(s.Hub.Presence(), s.Users))
	authed.GET("/tickets/:id/messages", messages.List(s.Messages))
	authed.GET("/tickets/:id/calls", callsapi.List(s.Calls))
	authed.POST("/tickets/:id/files", attachments.Upload(a))
	authed.POST("/tickets/:id/files/presign", attachments.Presign(a, s.Presign))
	authed.GET("/tickets/:id/files/:name", attachments.Download(a, s.Presign))
}
