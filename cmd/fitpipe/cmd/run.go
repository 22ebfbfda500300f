package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/fitpipe/pkg/logging"
	"github.com/psantana5/fitpipe/pkg/metrics"
	"github.com/psantana5/fitpipe/pkg/models"
	"github.com/psantana5/fitpipe/pkg/pipeline"
	"github.com/psantana5/fitpipe/pkg/process"
	"github.com/psantana5/fitpipe/pkg/scheduler"
	"github.com/psantana5/fitpipe/pkg/shutdown"
	"github.com/psantana5/fitpipe/pkg/signals"
	"github.com/psantana5/fitpipe/pkg/tracing"
)

// logRotateBytes caps the pipeline log before a run starts
const logRotateBytes = 10 << 20

var (
	metricsAddr  string
	videoCount   int
	videoSeconds float64
	frameLatency time.Duration
	failureRate  float64
	demoPriority string
	otlpEndpoint string
	hostSignals  bool
	serve        bool
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline end to end",
	Long: `Run the analysis pipeline with a synthetic frame analyzer. Submits a batch
of demo videos, streams their progress, and prints each session's performance
report. With --serve the process stays up after the batch for further
inspection over the debug HTTP endpoints.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "debug HTTP listen address for /metrics, /healthz, /debug/queue (empty disables)")
	runCmd.Flags().IntVar(&videoCount, "videos", 3, "number of synthetic videos to submit (0 runs an empty pipeline)")
	runCmd.Flags().Float64Var(&videoSeconds, "video-seconds", 10, "duration of each synthetic video")
	runCmd.Flags().DurationVar(&frameLatency, "frame-latency", 2*time.Millisecond, "synthetic per-frame analysis latency")
	runCmd.Flags().Float64Var(&failureRate, "failure-rate", 0.02, "synthetic per-frame failure probability")
	runCmd.Flags().StringVar(&demoPriority, "priority", "", "submit every video at this priority (critical, high, normal, low, idle) instead of rotating")
	runCmd.Flags().StringVar(&otlpEndpoint, "otlp-endpoint", "", "OTLP HTTP endpoint for traces (empty disables tracing)")
	runCmd.Flags().BoolVar(&hostSignals, "host-signals", false, "read battery/network/pressure from the host OS instead of the simulated provider")
	runCmd.Flags().BoolVar(&serve, "serve", false, "keep running after the demo batch until interrupted")
}

func runRun(cmd *cobra.Command, args []string) error {
	log := newLogger()
	mgr := shutdown.New(30*time.Second, log)

	if dir := GetDataDir(); dir != "" {
		fileLog, err := logging.NewFileLogger(dir, logging.ParseLevel(logLevel), true)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		if err := fileLog.RotateIfNeeded(logRotateBytes); err != nil {
			fileLog.Warn("Log rotation failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		log = fileLog
		mgr.Register("log file", shutdown.CloseResource(fileLog, "log file"))
	}

	tp, err := tracing.Init(tracing.Config{
		ServiceName:    "fitpipe",
		ServiceVersion: version,
		Environment:    "development",
		OTLPEndpoint:   otlpEndpoint,
		Enabled:        otlpEndpoint != "",
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	mgr.Register("tracing", tp.Shutdown)

	var provider signals.Provider
	if !hostSignals {
		provider = signals.NewSimulatedProvider()
	}

	collector := metrics.NewCollector()

	pl, err := pipeline.New(pipeline.Options{
		DataDir:  GetDataDir(),
		Analyzer: syntheticAnalyzer(frameLatency, failureRate),
		Provider: provider,
		Logger:   log,
		Metrics:  collector,
		Tracing:  tp,
	})
	if err != nil {
		return err
	}

	pl.Start()
	mgr.Register("pipeline", func(ctx context.Context) error {
		return pl.Stop()
	})

	if metricsAddr != "" {
		srv := newDebugServer(metricsAddr, collector, pl)
		go func() {
			log.Info("Debug endpoints listening", map[string]interface{}{
				"addr": metricsAddr,
			})
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("Debug server error", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}()
		mgr.Register("debug server", shutdown.StopHTTPServer(srv, "debug"))
	}

	done := make(chan string, videoCount+1)
	submitted := submitDemoBatch(pl, done)
	if submitted == 0 && videoCount > 0 && !serve {
		mgr.Shutdown()
		return fmt.Errorf("no submissions accepted")
	}

	// nil channel when there is nothing to wait for, or when the
	// operator asked to stay up
	var finished chan struct{}
	if submitted > 0 && !serve {
		finished = make(chan struct{})
		go func() {
			for i := 0; i < submitted; i++ {
				<-done
			}
			close(finished)
		}()
	}

	go mgr.Wait()

	select {
	case <-finished:
		log.Info("Demo batch finished", map[string]interface{}{
			"jobs": submitted,
		})
	case <-mgr.Done():
	}

	mgr.Shutdown()
	if !IsJSONOutput() {
		fmt.Println("\n✓ Pipeline stopped")
	}
	return nil
}

// syntheticAnalyzer stands in for the pose-detection model: it burns a
// fixed latency per frame and fails a configurable fraction of them.
func syntheticAnalyzer(latency time.Duration, failRate float64) process.FrameAnalyzer {
	return process.AnalyzeFunc(func(ctx context.Context, ref *models.FrameRef, data []byte) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(latency):
		}
		if failRate > 0 && rand.Float64() < failRate {
			return models.NewFrameError(fmt.Sprintf("no pose detected in frame %d", ref.Index), nil)
		}
		return nil
	})
}

// submitDemoBatch submits videoCount synthetic videos with rotating
// priorities and returns how many submissions were accepted
func submitDemoBatch(pl *pipeline.Pipeline, done chan<- string) int {
	priorities := []models.Priority{models.PriorityHigh, models.PriorityNormal, models.PriorityLow}
	contexts := []string{"squat", "deadlift", "pushup", "takedown-drill"}

	submitted := 0
	for i := 0; i < videoCount; i++ {
		video := models.VideoRef{
			ID:              fmt.Sprintf("demo-%02d", i+1),
			URI:             fmt.Sprintf("file:///videos/demo-%02d.mp4", i+1),
			DurationSeconds: videoSeconds,
			SizeBytes:       int64(videoSeconds * 1_200_000),
		}
		payload := models.Payload{
			Video:           video,
			ExerciseContext: contexts[i%len(contexts)],
		}
		prio := priorities[i%len(priorities)]
		if demoPriority != "" {
			prio = models.ParsePriority(demoPriority)
		}

		jobID, err := pl.Submit(models.JobTypePoseAnalysis, payload, prio, models.ConditionAny, scheduler.Callbacks{
			OnComplete: func(jobID string, report *models.PerformanceReport) {
				printReport(jobID, report)
				done <- jobID
			},
			OnError: func(jobID string, err error) {
				fmt.Printf("✗ Job %s failed: %v\n", jobID, err)
				done <- jobID
			},
		})
		if err != nil {
			fmt.Printf("✗ Submission rejected: %v\n", err)
			continue
		}

		fmt.Printf("✓ Submitted %s (%s, %s priority) as job %s\n",
			video.ID, payload.ExerciseContext, prio.String(), jobID)
		submitted++
	}
	return submitted
}

func printReport(jobID string, report *models.PerformanceReport) {
	if report == nil {
		fmt.Printf("✓ Job %s completed (no report)\n", jobID)
		return
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			fmt.Printf("✗ Failed to marshal report: %v\n", err)
			return
		}
		fmt.Println(string(output))
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")

	table.Append("Job", jobID)
	table.Append("Tier", string(report.Tier))
	table.Append("Score", fmt.Sprintf("%d/100", report.Score))
	table.Append("Frames", fmt.Sprintf("%d processed, %d failed of %d", report.ProcessedFrames, report.FailedFrames, report.TotalFrames))
	table.Append("Success Rate", fmt.Sprintf("%.1f%%", report.SuccessRate*100))
	table.Append("Duration", report.Duration.Round(time.Millisecond).String())
	table.Append("Frame Latency", fmt.Sprintf("avg %s / p50 %s / p95 %s",
		report.AvgFrameLatency.Round(time.Microsecond),
		report.P50FrameLatency.Round(time.Microsecond),
		report.P95FrameLatency.Round(time.Microsecond)))
	table.Append("Peak Memory", formatBytes(report.PeakMemoryBytes))
	table.Append("Battery Drain", fmt.Sprintf("%.2f%%", report.BatteryDeltaPct))

	for i, rec := range report.Recommendations {
		if i == 0 {
			table.Append("Recommendations", rec)
		} else {
			table.Append("", rec)
		}
	}

	table.Render()
}

func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

// newDebugServer exposes metrics and queue introspection
func newDebugServer(addr string, collector *metrics.Collector, pl *pipeline.Pipeline) *http.Server {
	router := mux.NewRouter()

	router.Handle("/metrics", collector.Handler()).Methods("GET")

	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods("GET")

	router.HandleFunc("/debug/queue", func(w http.ResponseWriter, r *http.Request) {
		summary, err := pl.GetQueueSummary()
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(summary)
	}).Methods("GET")

	router.HandleFunc("/debug/state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(pl.DeviceState())
	}).Methods("GET")

	return &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
