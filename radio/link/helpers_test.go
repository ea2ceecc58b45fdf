package link

import "github.com/hashicorp/go-hclog"

func testLogger() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{Name: "test", Level: hclog.Warn})
}
