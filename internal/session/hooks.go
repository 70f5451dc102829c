package session

import (
	"log"
	"runtime/debug"
)

// Hooks are the lifecycle callbacks a handle raises. Any of them may be nil.
type Hooks struct {
	OnQR            func(code string)
	OnAuthenticated func()
	OnAuthFailure   func(reason string)
	OnReady         func()
	OnDisconnected  func(reason string)
	OnMessage       func(msg Incoming)
	OnWindowClose   func()
}

// guard runs fn so that a panicking hook is logged instead of taking down the
// event dispatcher.
func guard(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[session] %s hook panicked: %v\n%s", name, r, debug.Stack())
		}
	}()
	fn()
}

func (h Hooks) QR(code string) {
	if h.OnQR != nil {
		guard("qr", func() { h.OnQR(code) })
	}
}

func (h Hooks) Authenticated() {
	if h.OnAuthenticated != nil {
		guard("authenticated", h.OnAuthenticated)
	}
}

func (h Hooks) AuthFailure(reason string) {
	if h.OnAuthFailure != nil {
		guard("auth_failure", func() { h.OnAuthFailure(reason) })
	}
}

func (h Hooks) Ready() {
	if h.OnReady != nil {
		guard("ready", h.OnReady)
	}
}

func (h Hooks) Disconnected(reason string) {
	if h.OnDisconnected != nil {
		guard("disconnected", func() { h.OnDisconnected(reason) })
	}
}

func (h Hooks) Message(msg Incoming) {
	if h.OnMessage != nil {
		guard("message", func() { h.OnMessage(msg) })
	}
}

func (h Hooks) WindowClose() {
	if h.OnWindowClose != nil {
		guard("window_close", h.OnWindowClose)
	}
}
