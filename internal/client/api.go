package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"whisper/internal/protocol"
)

type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email,omitempty"`
	Avatar string `json:"avatar,omitempty"`
	Online bool   `json:"online"`
}

type Conversation struct {
	ID           string `json:"id"`
	Participants []User `json:"participants"`
	LastMessage  *struct {
		ID        string    `json:"id"`
		Text      string    `json:"text"`
		SenderID  string    `json:"senderId"`
		CreatedAt time.Time `json:"createdAt"`
	} `json:"lastMessage"`
	LastMessageAt *time.Time `json:"lastMessageAt"`
}

// API 是 REST 接口的最小客户端。
type API struct {
	base  string
	token string
	http  *http.Client
}

func NewAPI(base, token string) *API {
	return &API{base: strings.TrimRight(base, "/"), token: token, http: &http.Client{Timeout: 10 * time.Second}}
}

// Callback 用当前 token 同步本地用户，首次登录必须先调用。
func (a *API) Callback(ctx context.Context) (*User, error) {
	var out struct {
		User User `json:"user"`
	}
	if err := a.do(ctx, http.MethodPost, "/api/v1/auth/callback", &out); err != nil {
		return nil, err
	}
	return &out.User, nil
}

func (a *API) Me(ctx context.Context) (*User, error) {
	var out struct {
		User User `json:"user"`
	}
	if err := a.do(ctx, http.MethodGet, "/api/v1/auth/me", &out); err != nil {
		return nil, err
	}
	return &out.User, nil
}

func (a *API) Conversations(ctx context.Context) ([]Conversation, error) {
	var out struct {
		Chats []Conversation `json:"chats"`
	}
	err := a.do(ctx, http.MethodGet, "/api/v1/chats", &out)
	return out.Chats, err
}

// With 返回与 participantID 的会话，不存在时由服务端创建。
func (a *API) With(ctx context.Context, participantID string) (*Conversation, error) {
	var out struct {
		Chat Conversation `json:"chat"`
	}
	if err := a.do(ctx, http.MethodPost, "/api/v1/chats/with/"+url.PathEscape(participantID), &out); err != nil {
		return nil, err
	}
	return &out.Chat, nil
}

func (a *API) History(ctx context.Context, conversationID string, limit int) ([]protocol.Message, error) {
	var out struct {
		Messages []protocol.Message `json:"messages"`
	}
	path := fmt.Sprintf("/api/v1/messages/chats/%s?limit=%d", url.PathEscape(conversationID), limit)
	err := a.do(ctx, http.MethodGet, path, &out)
	return out.Messages, err
}

func (a *API) Users(ctx context.Context) ([]User, error) {
	var out struct {
		Users []User `json:"users"`
	}
	err := a.do(ctx, http.MethodGet, "/api/v1/users", &out)
	return out.Users, err
}

func (a *API) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s %s: %s (%d)", method, path, e.Error, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
