package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/fitpipe/pkg/device"
	"github.com/psantana5/fitpipe/pkg/models"
	"github.com/psantana5/fitpipe/pkg/store"
)

var profileRefresh bool

// profileCmd represents the profile command
var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Show the device performance profile",
	Long: `Classifies this device into a processing tier (low, medium, high) from its
CPU and memory, and prints the tier parameters the pipeline will run with.
The profile is cached in the database and reused until it goes stale.`,
	RunE: runProfile,
}

func init() {
	rootCmd.AddCommand(profileCmd)

	profileCmd.Flags().BoolVar(&profileRefresh, "refresh", false, "re-probe the hardware even if a fresh cached profile exists")
}

type profileView struct {
	Tier       string     `json:"tier" yaml:"tier"`
	CPUModel   string     `json:"cpu_model" yaml:"cpu_model"`
	CPUThreads int        `json:"cpu_threads" yaml:"cpu_threads"`
	RAMGB      string     `json:"ram_gb" yaml:"ram_gb"`
	OS         string     `json:"os" yaml:"os"`
	OSVersion  string     `json:"os_version,omitempty" yaml:"os_version,omitempty"`
	Arch       string     `json:"arch" yaml:"arch"`
	ComputedAt string     `json:"computed_at" yaml:"computed_at"`
	Params     paramsView `json:"params" yaml:"params"`
}

type paramsView struct {
	SamplingFPS        float64 `json:"sampling_fps" yaml:"sampling_fps"`
	ChunkSize          int     `json:"chunk_size" yaml:"chunk_size"`
	ParallelWorkers    int     `json:"parallel_workers" yaml:"parallel_workers"`
	TargetResolution   string  `json:"target_resolution" yaml:"target_resolution"`
	CompressionQuality int     `json:"compression_quality" yaml:"compression_quality"`
	ChunkTimeout       string  `json:"chunk_timeout" yaml:"chunk_timeout"`
	InterChunkYield    string  `json:"inter_chunk_yield" yaml:"inter_chunk_yield"`
}

func runProfile(cmd *cobra.Command, args []string) error {
	st, err := openInspectionStore()
	if err != nil {
		return err
	}
	defer st.Close()

	profiler := device.NewProfiler(st, newLogger())

	var profile *models.DeviceProfile
	if profileRefresh {
		profile, err = profiler.Probe()
		if err == nil {
			err = st.SaveDeviceProfile(profile)
		}
	} else {
		profile, err = profiler.Profile()
	}
	if err != nil {
		return fmt.Errorf("failed to profile device: %w", err)
	}

	view := profileView{
		Tier:       string(profile.Tier),
		CPUModel:   profile.CPUModel,
		CPUThreads: profile.CPUThreads,
		RAMGB:      fmt.Sprintf("%.1f GB", float64(profile.RAMTotalBytes)/(1<<30)),
		OS:         profile.OS,
		OSVersion:  profile.OSVersion,
		Arch:       profile.Arch,
		ComputedAt: profile.ComputedAt.Format(time.RFC3339),
		Params: paramsView{
			SamplingFPS:        profile.Params.SamplingFPS,
			ChunkSize:          profile.Params.ChunkSize,
			ParallelWorkers:    profile.Params.ParallelWorkers,
			TargetResolution:   fmt.Sprintf("%dx%d", profile.Params.TargetWidth, profile.Params.TargetHeight),
			CompressionQuality: profile.Params.CompressionQuality,
			ChunkTimeout:       profile.Params.ChunkTimeout.String(),
			InterChunkYield:    profile.Params.InterChunkYield.String(),
		},
	}

	switch {
	case IsJSONOutput():
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(view)

	case IsYAMLOutput():
		encoder := yaml.NewEncoder(os.Stdout)
		encoder.SetIndent(2)
		return encoder.Encode(view)

	default:
		fmt.Println("Device:")
		fmt.Printf("  Tier: %s\n", view.Tier)
		fmt.Printf("  CPU: %s (%d threads)\n", view.CPUModel, view.CPUThreads)
		fmt.Printf("  RAM: %s\n", view.RAMGB)
		fmt.Printf("  OS: %s %s (%s)\n", view.OS, view.OSVersion, view.Arch)
		fmt.Printf("  Profiled: %s\n", view.ComputedAt)
		fmt.Println()

		fmt.Println("Processing parameters:")
		fmt.Printf("  Sampling: %.0f fps\n", view.Params.SamplingFPS)
		fmt.Printf("  Chunks: %d frames, %d workers\n", view.Params.ChunkSize, view.Params.ParallelWorkers)
		fmt.Printf("  Frame size: %s at quality %d\n", view.Params.TargetResolution, view.Params.CompressionQuality)
		fmt.Printf("  Chunk timeout: %s\n", view.Params.ChunkTimeout)
		fmt.Printf("  Inter-chunk yield: %s\n", view.Params.InterChunkYield)
		return nil
	}
}

// openInspectionStore opens the database the CLI inspects, creating
// the data directory on first use
func openInspectionStore() (store.Store, error) {
	path, err := ResolveDBPath()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return store.NewSQLiteStore(path)
}
