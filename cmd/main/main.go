package main

import (
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/vigilbot/sharder/gateway"
)

func main() {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("no .env file found, using process environment")
	}

	if level, err := logrus.ParseLevel(os.Getenv("SHARDER_LOG_LEVEL")); err == nil {
		logrus.SetLevel(level)
	}

	cluster, err := gateway.NewClusterFromEnv()
	if err != nil {
		panic(err)
	}

	cluster.OnFatalError = func(shardId int, err error) {
		logrus.Errorf("shard %d stopped: %s", shardId, err.Error())
	}

	if addr := os.Getenv("SHARDER_METRICS_ADDR"); addr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(addr, nil); err != nil {
				logrus.Warnf("metrics server stopped: %s", err.Error())
			}
		}()
	}

	cluster.Connect()

	gateway.WaitForInterrupt()

	cluster.Stop()
}
