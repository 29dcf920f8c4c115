package models

import (
	"fmt"
	"time"
)

// Identity is the (tenant, user) pair derived from a verified token
type Identity struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
}

// String renders the identity as tenant/user
func (i Identity) String() string {
	return fmt.Sprintf("%s/%s", i.TenantID, i.UserID)
}

// UsageCounters are the per-identity (or per-tenant) ledger counters
type UsageCounters struct {
	RequestsThisMinute int `json:"requests_this_minute"`
	ConcurrentJobs     int `json:"concurrent_jobs"`
	MinutesToday       int `json:"minutes_today"`
	MinutesThisMonth   int `json:"minutes_this_month"`
	ReservedMinutes    int `json:"reserved_minutes"`
}

// UsageSnapshot is a point-in-time read of the user and tenant counters
type UsageSnapshot struct {
	User   UsageCounters `json:"user"`
	Tenant UsageCounters `json:"tenant"`
	At     time.Time     `json:"at"`
}

// PolicyLimits is the static admission policy, loaded once at startup
type PolicyLimits struct {
	MaxFileMB        int      `json:"max_file_mb"`
	MaxClipMin       int      `json:"max_clip_min"`
	RPMPerUser       int      `json:"rpm_per_user"`
	RPMPerTenant     int      `json:"rpm_per_tenant"`
	ConcurrentUser   int      `json:"concurrent_user"`
	ConcurrentTenant int      `json:"concurrent_tenant"`
	MinutesPerDay    int      `json:"minutes_per_day"`
	MinutesPerMonth  int      `json:"minutes_per_month"`
	DefaultModel     string   `json:"default_model"`
	AllowDiarization bool     `json:"allow_diarization"`
	AllowedModels    []string `json:"allowed_models"`
}

// MaxFileBytes returns the upload cap in bytes, 0 when unlimited
func (p PolicyLimits) MaxFileBytes() int64 {
	if p.MaxFileMB <= 0 {
		return 0
	}
	return int64(p.MaxFileMB) * 1024 * 1024
}

// UTC period keys used for counter rollover
func MinuteKey(t time.Time) string { return t.UTC().Format("200601021504") }
func DayKey(t time.Time) string    { return t.UTC().Format("2006-01-02") }
func MonthKey(t time.Time) string  { return t.UTC().Format("2006-01") }
