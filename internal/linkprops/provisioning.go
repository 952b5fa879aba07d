package linkprops

// ProvisioningChange classifies the transition between two snapshots.
type ProvisioningChange int

const (
	NoChange ProvisioningChange = iota
	LostProvisioning
	OtherChange
)

func (c ProvisioningChange) String() string {
	switch c {
	case NoChange:
		return "NO_CHANGE"
	case LostProvisioning:
		return "LOST_PROVISIONING"
	case OtherChange:
		return "OTHER_CHANGE"
	default:
		return "UNKNOWN"
	}
}

// CompareFunc classifies the change from before to after.
type CompareFunc func(before, after *LinkProperties) ProvisioningChange

// Compare reports LostProvisioning when an address family that was
// provisioned in before is no longer provisioned in after. On a dual-stack
// link losing either family counts.
func Compare(before, after *LinkProperties) ProvisioningChange {
	if (before.IsIPv4Provisioned() && !after.IsIPv4Provisioned()) ||
		(before.IsIPv6Provisioned() && !after.IsIPv6Provisioned()) {
		return LostProvisioning
	}
	if before.Equal(after) {
		return NoChange
	}
	return OtherChange
}
