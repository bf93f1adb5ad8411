package entitlements

import "testing"

func TestLimitsForTier(t *testing.T) {
	free := LimitsForTier("free")
	if free.Tier != "free" || free.MaxStaff != 2 || free.MaxMonthlyAppointments != 50 {
		t.Fatalf("unexpected free limits: %+v", free)
	}
	if got := LimitsForTier("nonsense"); got != free {
		t.Fatalf("unknown tier should fall back to free, got %+v", got)
	}
	pro := LimitsForTier("pro")
	if pro.MaxMonthlyAppointments <= LimitsForTier("starter").MaxMonthlyAppointments {
		t.Fatal("pro should allow more monthly appointments than starter")
	}
}
