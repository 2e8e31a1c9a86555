package handlers

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/mattn/go-isatty"
)

const (
	cRed     = "\u001b[91m"
	cGreen   = "\u001b[92m"
	cYellow  = "\u001b[93m"
	cBlue    = "\u001b[94m"
	cMagenta = "\u001b[95m"
	cCyan    = "\u001b[96m"
	cReset   = "\u001b[0m"
)

var methodColors = map[string]string{
	fiber.MethodGet:    cCyan,
	fiber.MethodPost:   cGreen,
	fiber.MethodPut:    cYellow,
	fiber.MethodDelete: cRed,
	fiber.MethodPatch:  cMagenta,
	fiber.MethodHead:   cBlue,
}

func statusColor(status int) string {
	switch {
	case status < 300:
		return cGreen
	case status < 400:
		return cBlue
	case status < 500:
		return cYellow
	default:
		return cRed
	}
}

// sampleEvery is how many requests to a polled path make one log line
const sampleEvery = 10

// sampledPaths are polled by clients and would drown the access log
var sampledPaths = map[string]bool{
	"/v1/sessions": true,
	"/v1/health":   true,
}

// SamplingLogger logs every request except those to polled paths, of which
// only every sampleEvery-th is logged
func SamplingLogger() fiber.Handler {
	counts := make(map[string]uint64)
	var countsMu sync.Mutex

	enableColors := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("NO_COLOR") != "1" && os.Getenv("TERM") != "dumb"

	defaultLogger := logger.New(logger.Config{
		Format: "${time} | ${status} | ${latency} | ${ip} | ${method} | ${path} | ${error}\n",
	})

	return func(c *fiber.Ctx) error {
		path := c.Path()
		if !sampledPaths[path] || c.Method() != fiber.MethodGet {
			return defaultLogger(c)
		}

		countsMu.Lock()
		counts[path]++
		n := counts[path]
		if n >= sampleEvery {
			counts[path] = 0
		}
		countsMu.Unlock()

		if n < sampleEvery {
			return c.Next()
		}

		start := time.Now()
		err := c.Next()
		status := c.Response().StatusCode()
		sc, mc, reset := "", "", ""
		if enableColors {
			sc, mc, reset = statusColor(status), methodColors[c.Method()], cReset
		}
		fmt.Printf("%s | %s%d%s | %13s | %s | %s%s%s | %s | - [sampled: %d calls]\n",
			time.Now().Format("15:04:05"),
			sc, status, reset,
			time.Since(start),
			c.IP(),
			mc, c.Method(), reset,
			path,
			n)
		return err
	}
}
