// Package memory records outgoing notifications instead of delivering them.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/adnotifier/internal/monitor"
)

// Email is one recorded email.
type Email struct {
	To      []string
	Subject string
	HTML    string
}

// Chat is one recorded chat message.
type Chat struct {
	ChatID string
	Text   string
}

// Recorder implements notify.Mailer and notify.ChatSender.
type Recorder struct {
	mu         sync.Mutex
	emails     []Email
	chats      []Chat
	failEmails map[string]bool
	failChats  map[string]bool
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		failEmails: make(map[string]bool),
		failChats:  make(map[string]bool),
	}
}

// FailEmailTo makes sends to address fail.
func (r *Recorder) FailEmailTo(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failEmails[address] = true
}

// FailChat makes messages to chatID fail.
func (r *Recorder) FailChat(chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failChats[chatID] = true
}

// Send records an email.
func (r *Recorder) Send(_ context.Context, to []string, subject, html string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, addr := range to {
		if r.failEmails[addr] {
			return fmt.Errorf("%w: recorder rejects %s", monitor.ErrNotification, addr)
		}
	}
	r.emails = append(r.emails, Email{To: append([]string(nil), to...), Subject: subject, HTML: html})
	return nil
}

// SendMessage records a chat message.
func (r *Recorder) SendMessage(_ context.Context, _ string, chatID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failChats[chatID] {
		return fmt.Errorf("%w: recorder rejects chat %s", monitor.ErrNotification, chatID)
	}
	r.chats = append(r.chats, Chat{ChatID: chatID, Text: text})
	return nil
}

// Emails returns the recorded emails.
func (r *Recorder) Emails() []Email {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Email(nil), r.emails...)
}

// Chats returns the recorded chat messages.
func (r *Recorder) Chats() []Chat {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Chat(nil), r.chats...)
}
