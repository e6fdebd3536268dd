package version

// Overridden at build time via -ldflags "-X mtdbench/internal/app/version.buildVersion=...".
var (
	buildVersion = "dev"
	builtAt      = "unknown"
)

// Info represents the running simulator build metadata.
type Info struct {
	BuildVersion string `json:"buildVersion"`
	BuiltAt      string `json:"builtAt"`
}

func Get() Info {
	return Info{
		BuildVersion: buildVersion,
		BuiltAt:      builtAt,
	}
}

func (i Info) String() string {
	return i.BuildVersion + " (built " + i.BuiltAt + ")"
}
