// pigeond serves the Pigeon chat API over a Firestore and Cloud Storage
// backend, or over an in-memory backend for local development.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pigeon/backend"
	"pigeon/backend/firedocs"
	"pigeon/backend/gcsblob"
	"pigeon/backend/memstore"
	"pigeon/chat"
	"pigeon/healthz"
	"pigeon/identity"
	"pigeon/notify"
	"pigeon/reels"
	"pigeon/status"
	"pigeon/webapi"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/storage"
	cloudmetrics "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/metric"
	cloudtrace "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"github.com/golang/glog"
	"github.com/sendgrid/sendgrid-go"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	googleopt "google.golang.org/api/option"
)

var (
	apiListen           = flag.String("api-listen", "127.0.0.1:8000", "Server address:port for the JSON API endpoint.")
	debugListen         = flag.String("debug-listen", "127.0.0.1:8001", "Server address:port for debug endpoint.")
	dataProject         = flag.String("data-project", "", "GCP project that contains the application state.")
	mediaBucket         = flag.String("media-bucket", "", "GCS bucket that holds uploaded media.")
	memBackend          = flag.Bool("mem-backend", false, "Use an in-memory backend instead of Firestore and GCS.  Development only; nothing survives a restart.")
	googleOAuthClientID = flag.String("google-oauth-client-id", "", "OAuth client ID for Sign In With Google.")
	sendgridAPIKey      = flag.String("sendgrid-api-key", "", "SendGrid API key for new-message notification emails.  Empty disables notifications.")
	notifyFrom          = flag.String("notify-from", "bot@pigeon.dev", "From address for notification emails.")

	monitoring           = flag.Bool("monitoring", false, "Enable monitoring?")
	monitoringProject    = flag.String("monitoring-project", "", "Override project used for monitoring integration.  If not specified, the project associated with Application Default Credentials is used.")
	monitoringTraceRatio = flag.Float64("monitoring-trace-ratio", 0.0001, "What ratio of traces should be exported?")
)

func main() {
	flag.Parse()

	glog.CopyStandardLogTo("INFO")

	glog.Infof("flags:")
	glog.Infof("api-listen: %q", *apiListen)
	glog.Infof("debug-listen: %q", *debugListen)
	glog.Infof("data-project: %q", *dataProject)
	glog.Infof("media-bucket: %q", *mediaBucket)
	glog.Infof("mem-backend: %v", *memBackend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *monitoring {
		metricsOpts := []cloudmetrics.Option{}
		traceOpts := []cloudtrace.Option{}
		if *monitoringProject != "" {
			metricsOpts = append(metricsOpts, cloudmetrics.WithProjectID(*monitoringProject))
			traceOpts = append(traceOpts, cloudtrace.WithProjectID(*monitoringProject))
		}

		_, traceShutdown, err := cloudtrace.InstallNewPipeline(traceOpts, sdktrace.WithSampler(sdktrace.TraceIDRatioBased(*monitoringTraceRatio)))
		if err != nil {
			glog.Fatalf("Failed to install Cloud Trace OpenTelemetry trace pipeline: %v", err)
		}
		defer traceShutdown()

		pusher, err := cloudmetrics.InstallNewPipeline(metricsOpts)
		if err != nil {
			glog.Fatalf("Failed to install Cloud Metrics OpenTelemetry meter pipeline: %v", err)
		}
		defer pusher.Stop(ctx)
	}

	if err := do(ctx); err != nil {
		glog.Exitf("Error: %v", err)
	}
}

func do(ctx context.Context) error {
	var docs backend.Docs
	var blobs backend.Blobs
	if *memBackend {
		mem := memstore.New()
		docs, blobs = mem, mem
	} else {
		fstore, err := firestore.NewClient(ctx, *dataProject)
		if err != nil {
			return fmt.Errorf("while creating Firestore client: %w", err)
		}
		gcs, err := storage.NewClient(ctx, googleopt.WithGRPCConnectionPool(1))
		if err != nil {
			return fmt.Errorf("while creating GCS client: %w", err)
		}
		docs = firedocs.New(fstore)
		blobs = gcsblob.New(gcs, *mediaBucket)
	}

	idpOpts := []identity.Opt{}
	if *googleOAuthClientID != "" {
		idpOpts = append(idpOpts, identity.WithGoogleOAuthClientID(*googleOAuthClientID))
	}
	idp := identity.New(docs, blobs, idpOpts...)

	fanoutOpts := []chat.FanoutOpt{}
	if *sendgridAPIKey != "" {
		mailer := notify.New(sendgrid.NewSendClient(*sendgridAPIKey), *notifyFrom)
		fanoutOpts = append(fanoutOpts, chat.WithNotifier(mailer))
	}
	fanout := chat.NewFanout(docs, blobs, fanoutOpts...)

	statuses := status.New(docs, blobs)
	reelFeed := reels.New(docs, blobs)

	debugServeMux := http.NewServeMux()
	debugServeMux.Handle("/healthz", healthz.New())
	debugServeMux.Handle("/readyz", healthz.New())
	debugServeMux.HandleFunc("/debug/pprof/", pprof.Index)
	debugServeMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	debugServeMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	debugServeMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	debugServeMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	debugServer := &http.Server{
		Addr:    *debugListen,
		Handler: debugServeMux,

		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	api := webapi.New(docs, idp, fanout, statuses, reelFeed)
	apiServeMux := http.NewServeMux()
	api.Register(apiServeMux)
	apiServer := &http.Server{
		Addr:    *apiListen,
		Handler: apiServeMux,

		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		if err := debugServer.ListenAndServe(); err != nil {
			glog.Fatalf("Debug server died: %v", err)
		}
	}()

	go func() {
		if err := apiServer.ListenAndServe(); err != nil {
			glog.Fatalf("API server died: %v", err)
		}
	}()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	<-signalCh

	glog.Flush()

	return nil
}
