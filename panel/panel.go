// Package panel provides a read-through cache of the panel's user accounts
// and their device limits. The full user list is fetched with paginated
// GETs and swapped in atomically, so lookups never block behind a reload.
package panel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/banhammer/banhammer/logger"

	"github.com/go-resty/resty/v2"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"
)

const pageSize = 500

var ErrPanelRequestFailed = errors.New("panel request failed")

// Account is one panel user as relevant to detection.
type Account struct {
	Limit       int    `json:"limit"`
	TelegramID  string `json:"telegram_id"`
	Description string `json:"description"`
	Username    string `json:"username"`
	ShortUUID   string `json:"short_uuid"`
}

type snapshot struct {
	users    map[string]Account
	loadedAt time.Time
}

// Directory is the atomic-swap user directory.
type Directory struct {
	client         *resty.Client
	limiter        *rate.Limiter
	reloadInterval time.Duration

	current atomic.Pointer[snapshot]
}

func NewDirectory(baseURL, token string, reloadInterval time.Duration) *Directory {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second).
		SetAuthToken(token).
		// the panel sits behind a reverse proxy and expects forwarding headers
		SetHeader("X-Forwarded-For", "127.0.0.1").
		SetHeader("X-Forwarded-Proto", "https").
		SetHeader("X-Forwarded-Host", "localhost")

	return &Directory{
		client: client,
		// pace paginated fetches so a large panel is not hammered
		limiter:        rate.NewLimiter(rate.Every(100*time.Millisecond), 1),
		reloadInterval: reloadInterval,
	}
}

// Load fetches every user page by page and atomically swaps in the new
// directory. Returns the number of users loaded.
func (d *Directory) Load(ctx context.Context) (int, error) {
	zlog := logger.GetLogger()

	users := make(map[string]Account)
	start := 0

	for {
		if err := d.limiter.Wait(ctx); err != nil {
			return 0, err
		}

		page, err := d.fetchPage(ctx, start)
		if err != nil {
			return 0, err
		}
		if len(page) == 0 {
			break
		}

		for _, user := range page {
			id := string(user.ID)
			if id == "" {
				continue
			}
			limit := 1
			if user.HwidDeviceLimit != nil {
				limit = *user.HwidDeviceLimit
			}
			users[id] = Account{
				Limit:       limit,
				TelegramID:  string(user.TelegramID),
				Description: user.Description,
				Username:    user.Username,
				ShortUUID:   user.ShortUUID,
			}
		}

		zlog.Debug().Int("page_users", len(page)).Int("total_users", len(users)).Msg("loaded panel user page")

		// a short page means we reached the end
		if len(page) < pageSize {
			break
		}
		start += pageSize
	}

	d.current.Store(&snapshot{users: users, loadedAt: time.Now()})
	zlog.Info().Int("users", len(users)).Msg("panel user directory reloaded")
	return len(users), nil
}

// Lookup returns the account for a panel user id. The second return is
// false for unknown users, which callers treat as "no limit configured".
func (d *Directory) Lookup(id string) (Account, bool) {
	snap := d.current.Load()
	if snap == nil {
		return Account{}, false
	}
	account, ok := snap.users[id]
	return account, ok
}

// NeedsReload reports whether the directory was never loaded or has aged
// past the reload interval.
func (d *Directory) NeedsReload() bool {
	snap := d.current.Load()
	if snap == nil {
		return true
	}
	return time.Since(snap.loadedAt) > d.reloadInterval
}

// Loaded reports whether at least one load has completed.
func (d *Directory) Loaded() bool {
	return d.current.Load() != nil
}

// UserCount returns the number of users in the current snapshot.
func (d *Directory) UserCount() int {
	snap := d.current.Load()
	if snap == nil {
		return 0
	}
	return len(snap.users)
}

type panelUser struct {
	ID              flexString `json:"id"`
	HwidDeviceLimit *int       `json:"hwidDeviceLimit"`
	TelegramID      flexString `json:"telegramId"`
	Description     string     `json:"description"`
	Username        string     `json:"username"`
	ShortUUID       string     `json:"shortUuid"`
}

// userPage tolerates both response shapes the panel is known to emit:
// an object with a "users" array, or a bare array.
type userPage struct {
	Response jsoniter.RawMessage `json:"response"`
}

type userList struct {
	Users []panelUser `json:"users"`
}

func (d *Directory) fetchPage(ctx context.Context, start int) ([]panelUser, error) {
	resp, err := d.client.R().
		SetContext(ctx).
		SetQueryParam("start", fmt.Sprintf("%d", start)).
		SetQueryParam("size", fmt.Sprintf("%d", pageSize)).
		Get("/api/users")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPanelRequestFailed, err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrPanelRequestFailed, resp.StatusCode())
	}

	var page userPage
	if err := jsoniter.Unmarshal(resp.Body(), &page); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPanelRequestFailed, err)
	}

	body := bytes.TrimSpace(page.Response)
	if len(body) == 0 || string(body) == "null" {
		return nil, nil
	}

	if body[0] == '[' {
		var users []panelUser
		if err := jsoniter.Unmarshal(body, &users); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPanelRequestFailed, err)
		}
		return users, nil
	}

	var list userList
	if err := jsoniter.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPanelRequestFailed, err)
	}
	return list.Users, nil
}

// flexString decodes JSON strings, numbers and null into a string. Panel
// ids and telegram ids show up as either strings or numbers depending on
// the panel version.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := jsoniter.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(data)
	return nil
}
