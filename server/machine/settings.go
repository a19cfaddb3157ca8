package machine

// ClassSettings are defaults merged into every machine of a class. Service
// values win over class defaults.
type ClassSettings struct {
	// ExposedPorts are "<port>[/<proto>]" entries.
	ExposedPorts []string
	// Volumes use the same syntax as ServiceConfig.Volumes.
	Volumes []string
	Env     map[string]string
}

// Settings are the system-wide container settings applied by a Starter.
type Settings struct {
	// Common applies to every machine; Dev applies additionally to the
	// workspace's development machine.
	Common ClassSettings
	Dev    ClassSettings

	ExtraHosts   []string
	DNS          []string
	CgroupParent string
	CPUPeriod    int64
	CPUQuota     int64
	CPUSet       string
	PidsLimit    int64

	// MemorySwapMultiplier sets memory-swap to memory times the multiplier.
	// A negative value allows unlimited swap; zero leaves it unset.
	MemorySwapMultiplier float64

	// ForcePull pulls images even when a pinned tag is present locally.
	ForcePull bool

	// LabelPrefix is the namespace of server labels written by the
	// provisioner.
	LabelPrefix string
}

func (s Settings) memorySwap(memory int64) int64 {
	switch {
	case s.MemorySwapMultiplier < 0:
		return -1
	case s.MemorySwapMultiplier == 0 || memory <= 0:
		return 0
	default:
		return int64(float64(memory) * s.MemorySwapMultiplier)
	}
}
