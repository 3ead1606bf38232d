package smsgateway

import (
	"testing"

	"github.com/r3e-network/fleet-telemetry/domain/sms"
)

func TestEligible(t *testing.T) {
	base := sms.ModemConfig{Enabled: true, HealthStatus: sms.HealthHealthy, DailyLimit: 10, SMSSentToday: 1, AllowedServices: []string{"commands"}}

	if !eligible(base, "commands") {
		t.Fatal("enabled, within-quota, healthy modem allowing the service should be eligible")
	}
	if eligible(base, "alarms") {
		t.Fatal("a modem not allowing the service should not be eligible")
	}

	disabled := base
	disabled.Enabled = false
	if eligible(disabled, "commands") {
		t.Fatal("a disabled modem should not be eligible")
	}

	unhealthy := base
	unhealthy.HealthStatus = sms.HealthUnhealthy
	if eligible(unhealthy, "commands") {
		t.Fatal("an unhealthy modem should not be eligible")
	}

	overQuota := base
	overQuota.SMSSentToday = overQuota.DailyLimit
	if eligible(overQuota, "commands") {
		t.Fatal("a modem at its daily limit should not be eligible")
	}
}

func TestSortByHealthQuotaPriority_HealthFirst(t *testing.T) {
	modems := []sms.ModemConfig{
		{Name: "degraded", HealthStatus: sms.HealthDegraded},
		{Name: "healthy", HealthStatus: sms.HealthHealthy},
	}

	sortByHealthQuotaPriority(modems)

	if modems[0].Name != "healthy" {
		t.Fatalf("expected healthy modem first, got %s", modems[0].Name)
	}
}

func TestSortByHealthQuotaPriority_QuotaBreaksHealthTie(t *testing.T) {
	modems := []sms.ModemConfig{
		{Name: "low-quota", HealthStatus: sms.HealthHealthy, DailyLimit: 100, SMSSentToday: 90},
		{Name: "high-quota", HealthStatus: sms.HealthHealthy, DailyLimit: 100, SMSSentToday: 10},
	}

	sortByHealthQuotaPriority(modems)

	if modems[0].Name != "high-quota" {
		t.Fatalf("expected the modem with more remaining quota first, got %s", modems[0].Name)
	}
}

func TestSortByHealthQuotaPriority_UnlimitedQuotaTreatedAsAmple(t *testing.T) {
	modems := []sms.ModemConfig{
		{Name: "limited", HealthStatus: sms.HealthHealthy, DailyLimit: 10, SMSSentToday: 9},
		{Name: "unlimited", HealthStatus: sms.HealthHealthy, DailyLimit: 0, SMSSentToday: 1000},
	}

	sortByHealthQuotaPriority(modems)

	if modems[0].Name != "unlimited" {
		t.Fatalf("expected the unlimited-quota modem first, got %s", modems[0].Name)
	}
}

func TestSortByHealthQuotaPriority_PriorityBreaksQuotaTie(t *testing.T) {
	modems := []sms.ModemConfig{
		{Name: "low-priority", HealthStatus: sms.HealthHealthy, DailyLimit: 100, SMSSentToday: 50, Priority: 5},
		{Name: "high-priority", HealthStatus: sms.HealthHealthy, DailyLimit: 100, SMSSentToday: 50, Priority: 1},
	}

	sortByHealthQuotaPriority(modems)

	if modems[0].Name != "high-priority" {
		t.Fatalf("expected the lower-priority-number modem first, got %s", modems[0].Name)
	}
}
