package config_test

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nikiz24/rollup"
	"github.com/nikiz24/rollup/config"
)

var envKeys = []string{
	"ROLLUP_USER",
	"ROLLUP_TOKEN",
	"ROLLUP_SOURCE",
	"ROLLUP_PREFIX",
	"ROLLUP_REMOTE_WRITE_URL",
	"ROLLUP_LOG_LEVEL",
}

var _ = Describe("Config", func() {
	var tempDir string

	writeConfig := func(content string) string {
		path := filepath.Join(tempDir, "rollup.yaml")
		Expect(os.WriteFile(path, []byte(content), 0644)).To(Succeed())
		return path
	}

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "rollup-config-test-*")
		Expect(err).NotTo(HaveOccurred())
		for _, key := range envKeys {
			os.Unsetenv(key)
		}
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
		for _, key := range envKeys {
			os.Unsetenv(key)
		}
	})

	Describe("Load", func() {
		Context("with a valid config file", func() {
			var path string

			BeforeEach(func() {
				path = writeConfig(`
user: "me@example.com"
token: "secret"
source: "web"
source_pids: true
prefix: "myapp"
flush_interval: "30s"
timeout: "5s"
per_request: 100
log_level: "debug"
log_target: "stdout"
dns:
  udp_servers: ["1.1.1.1:53"]
`)
			})

			It("should load configuration successfully", func() {
				cfg, err := config.Load(path)
				Expect(err).NotTo(HaveOccurred())

				Expect(cfg.User).To(Equal("me@example.com"))
				Expect(cfg.Token).To(Equal("secret"))
				Expect(cfg.APIEndpoint).To(Equal(rollup.DefaultEndpoint))
				Expect(cfg.Prefix).To(Equal("myapp"))
				Expect(cfg.FlushInterval).To(Equal(30 * time.Second))
				Expect(cfg.Timeout).To(Equal(5 * time.Second))
				Expect(cfg.PerRequest).To(Equal(100))
				Expect(cfg.LogLevel).To(Equal("debug"))
				Expect(cfg.DNS.UDPServers).To(ConsistOf("1.1.1.1:53"))
				Expect(cfg.DNS.Enabled()).To(BeTrue())
				Expect(cfg.DNS.Timeout).To(Equal(800 * time.Millisecond))
			})

			It("should let environment variables override the file", func() {
				os.Setenv("ROLLUP_PREFIX", "fromenv")

				cfg, err := config.Load(path)
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Prefix).To(Equal("fromenv"))
			})

			It("should append the pid to the qualified source", func() {
				cfg, err := config.Load(path)
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.QualifiedSource()).To(Equal("web." + strconv.Itoa(os.Getpid())))
				Expect(rollup.ValidSource(cfg.QualifiedSource())).To(BeTrue())
			})
		})

		Context("with environment variables only", func() {
			It("should use defaults for everything else", func() {
				os.Setenv("ROLLUP_USER", "me@example.com")
				os.Setenv("ROLLUP_TOKEN", "secret")
				os.Setenv("ROLLUP_SOURCE", "worker.3")

				cfg, err := config.Load("")
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.FlushInterval).To(Equal(60 * time.Second))
				Expect(cfg.Timeout).To(Equal(rollup.DefaultTimeout))
				Expect(cfg.PerRequest).To(Equal(rollup.DefaultPerRequest))
				Expect(cfg.LogTarget).To(Equal("stderr"))
				Expect(cfg.QualifiedSource()).To(Equal("worker.3"))
				Expect(cfg.DNS.Enabled()).To(BeFalse())
			})
		})

		Context("with invalid settings", func() {
			It("should require credentials for the JSON API", func() {
				_, err := config.Load("")
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("User"))
			})

			It("should not require credentials for remote write", func() {
				os.Setenv("ROLLUP_REMOTE_WRITE_URL", "http://prometheus.example.com:9090/api/v1/write")

				cfg, err := config.Load("")
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.RemoteWriteURL).To(Equal("http://prometheus.example.com:9090/api/v1/write"))
			})

			It("should reject a source the API would refuse", func() {
				path := writeConfig(`
user: "me@example.com"
token: "secret"
source: "b/l/ak/nok"
`)
				_, err := config.Load(path)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("Source"))
			})

			It("should reject an unknown log level", func() {
				os.Setenv("ROLLUP_USER", "me@example.com")
				os.Setenv("ROLLUP_TOKEN", "secret")
				os.Setenv("ROLLUP_LOG_LEVEL", "verbose")

				_, err := config.Load("")
				Expect(err).To(HaveOccurred())
			})

			It("should fail on a missing config file", func() {
				_, err := config.Load(filepath.Join(tempDir, "missing.yaml"))
				Expect(err).To(HaveOccurred())
			})
		})
	})

	Describe("NewClient", func() {
		It("should build a JSON API client by default", func() {
			cfg := &config.Config{User: "me@example.com", Token: "secret", APIEndpoint: rollup.DefaultEndpoint}

			client, err := cfg.NewClient(nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(client).To(BeAssignableToTypeOf(&rollup.HTTPClient{}))
		})

		It("should build a remote write client when configured", func() {
			cfg := &config.Config{RemoteWriteURL: "http://prometheus.example.com:9090/api/v1/write", Source: "web"}

			client, err := cfg.NewClient(nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(client).To(BeAssignableToTypeOf(&rollup.RemoteWriteClient{}))
		})
	})

	Describe("NewTracker", func() {
		It("should wire the qualified source and prefix", func() {
			cfg := &config.Config{
				User:          "me@example.com",
				Token:         "secret",
				APIEndpoint:   rollup.DefaultEndpoint,
				Source:        "web",
				Prefix:        "myapp",
				FlushInterval: time.Minute,
				Timeout:       time.Second,
				LogLevel:      config.LogLevelInfo,
				LogTarget:     filepath.Join(tempDir, "rollup.log"),
			}

			tracker, logger, err := cfg.NewTracker()
			Expect(err).NotTo(HaveOccurred())
			Expect(logger).NotTo(BeNil())
			Expect(tracker.Source()).To(Equal("web"))

			tracker.Increment("requests")
			Expect(tracker.Collector().Counter("myapp.requests", "")).To(Equal(int64(1)))
		})
	})

	Describe("NewLogger", func() {
		It("should write JSON lines to a file target", func() {
			path := filepath.Join(tempDir, "out.log")
			logger, err := config.NewLogger("info", path)
			Expect(err).NotTo(HaveOccurred())

			logger.Info("hello")
			Expect(logger.Sync()).To(Succeed())

			data, err := os.ReadFile(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(ContainSubstring(`"msg":"hello"`))
		})

		It("should reject an unknown level", func() {
			_, err := config.NewLogger("verbose", "stderr")
			Expect(err).To(HaveOccurred())
		})
	})
})
