package clients

import (
	"context"
	"fmt"
	"net/http"
)

// Wallet is the HTTP client for the wallet service.
type Wallet struct {
	base string
	http *http.Client
}

// NewWallet points at the wallet base URL (e.g. http://wallet:8002).
func NewWallet(base string) *Wallet {
	return &Wallet{base: trimBase(base), http: newHTTPClient()}
}

// ZoneMultiplier fetches the bounty multiplier for a zone (1.0 on no devices).
func (c *Wallet) ZoneMultiplier(ctx context.Context, zone string) (float64, error) {
	if zone == "" {
		return 1.0, nil
	}
	var resp struct {
		Multiplier float64 `json:"multiplier"`
	}
	err := doJSON(ctx, c.http, http.MethodGet,
		c.base+"/devices/zone-multiplier/"+zone, nil, &resp)
	if err != nil {
		return 1.0, err
	}
	return resp.Multiplier, nil
}

// PayTaskReward issues the bounty from the system wallet, scaled by the
// multiplier. Duplicate task ids are rejected server-side.
func (c *Wallet) PayTaskReward(ctx context.Context, userID, amount, taskID int64, multiplier float64) error {
	return doJSON(ctx, c.http, http.MethodPost, c.base+"/transactions/task-reward",
		map[string]interface{}{
			"user_id":    userID,
			"amount":     amount,
			"task_id":    taskID,
			"multiplier": multiplier,
		}, nil)
}

// GrantZoneXP credits XP to every active device covering a zone.
func (c *Wallet) GrantZoneXP(ctx context.Context, zone string, xp int64) error {
	return doJSON(ctx, c.http, http.MethodPost, c.base+"/devices/xp-grant",
		map[string]interface{}{"zone": zone, "xp": xp}, nil)
}

// Heartbeat reports a device check-in and returns the uptime reward paid.
func (c *Wallet) Heartbeat(ctx context.Context, deviceID string) (int64, error) {
	var resp struct {
		Rewarded int64 `json:"rewarded"`
	}
	err := doJSON(ctx, c.http, http.MethodPost,
		fmt.Sprintf("%s/devices/%s/heartbeat", c.base, deviceID), nil, &resp)
	return resp.Rewarded, err
}
