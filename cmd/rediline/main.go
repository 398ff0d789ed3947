// Command rediline is a small demonstration CLI over the redis
// connection core: a single Connection per invocation, no pool, no
// retry — the same scope as the package it drives.
package main

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	redis "github.com/halcyon-labs/rediscore"
)

var (
	addr           string
	username       string
	password       string
	passwordStdin  bool
	db             int64
	useTLS         bool
	logger         *zap.Logger
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "rediline",
		Short: "rediline talks to a single Redis connection",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			viper.SetEnvPrefix("REDILINE")
			viper.AutomaticEnv()
			if v := viper.GetString("ADDR"); v != "" && !cmd.Flags().Changed("addr") {
				addr = v
			}
			if v := viper.GetString("PASSWORD"); v != "" && !cmd.Flags().Changed("password") {
				password = v
			}

			var err error
			logger, err = zap.NewProduction()
			if err != nil {
				return err
			}

			if passwordStdin {
				b, err := io.ReadAll(bufio.NewReader(os.Stdin))
				if err != nil {
					return fmt.Errorf("reading password from stdin: %w", err)
				}
				password = strings.TrimRight(string(b), "\n")
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&addr, "addr", "localhost:6379", "Redis node address")
	root.PersistentFlags().StringVar(&username, "username", "", "AUTH username")
	root.PersistentFlags().StringVar(&password, "password", "", "AUTH password")
	root.PersistentFlags().BoolVar(&passwordStdin, "password-stdin", false, "read AUTH password from stdin")
	root.PersistentFlags().Int64Var(&db, "db", 0, "logical database index")
	root.PersistentFlags().BoolVar(&useTLS, "tls", false, "use TLS transport")

	root.AddCommand(newGetCmd(), newSetCmd(), newSubCmd())
	return root
}

func dial() (*redis.Connection, error) {
	cfg := redis.Config{
		Addr:               addr,
		Username:           username,
		Password:           password,
		DB:                 db,
		AllowSubscriptions: true,
		Logger:             logger,
	}
	if useTLS {
		cfg.TLS = &tls.Config{}
	}
	return redis.Dial(cfg)
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "GET a key and print its value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial()
			if err != nil {
				return err
			}
			defer conn.Close()

			v, err := redis.Execute[[]byte](conn, redis.Get{Key: args[0]})
			if err != nil {
				return err
			}
			if v == nil {
				fmt.Println("<null>")
				return nil
			}
			fmt.Println(strconv.Quote(string(v)))
			return nil
		},
	}
}

func newSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "SET a key's value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial()
			if err != nil {
				return err
			}
			defer conn.Close()

			ok, err := redis.Execute[bool](conn, redis.Set{Key: args[0], Value: args[1]})
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("SET did not return OK")
			}
			fmt.Println("OK")
			return nil
		},
	}
}

func newSubCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sub <channel>...",
		Short: "subscribe and print messages until interrupted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial()
			if err != nil {
				return err
			}
			defer conn.Close()

			sub, err := conn.Subscribe(args...)
			if err != nil {
				return err
			}
			defer sub.Unsubscribe()

			for msg := range sub.Messages() {
				fmt.Printf("%s: %s\n", msg.Channel, msg.Payload)
			}
			return nil
		},
	}
}
