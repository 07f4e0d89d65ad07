// Command mini-redis-cli issues a single GET or SET against a
// mini-redis-server and prints its result.
package main

import (
	"fmt"
	"os"
	"strconv"
	"time"
	"unicode/utf8"

	redis "github.com/parkcheolu/mini-redis"
	"github.com/spf13/cobra"
)

var (
	hostFlag string
	portFlag string
)

func main() {
	root := &cobra.Command{
		Use:   "mini-redis-cli",
		Short: "Issue a GET or SET against a mini-redis-server",
	}
	root.PersistentFlags().StringVar(&hostFlag, "host", "localhost", "Server host.")
	root.PersistentFlags().StringVar(&portFlag, "port", "6379", "Server port.")

	root.AddCommand(&cobra.Command{
		Use:   "get KEY",
		Short: "Print the value for KEY",
		Args:  cobra.ExactArgs(1),
		RunE:  runGet,
	})
	root.AddCommand(&cobra.Command{
		Use:   "set KEY VALUE [MS]",
		Short: "Set KEY to VALUE, optionally expiring after MS milliseconds",
		Args:  cobra.RangeArgs(2, 3),
		RunE:  runSet,
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mini-redis-cli:", err)
		os.Exit(1)
	}
}

func client() *redis.Client {
	return redis.NewClient(hostFlag+":"+portFlag, 0, 0)
}

func runGet(cmd *cobra.Command, args []string) error {
	c := client()
	defer c.Close()

	v, err := c.GET(args[0])
	if err != nil {
		return err
	}
	if v == nil {
		fmt.Println("(nil)")
		return nil
	}
	if utf8.Valid(v) {
		fmt.Println(strconv.Quote(string(v)))
	} else {
		fmt.Printf("%v\n", v)
	}
	return nil
}

func runSet(cmd *cobra.Command, args []string) error {
	c := client()
	defer c.Close()

	var ttl *time.Duration
	if len(args) == 3 {
		ms, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid milliseconds %q: %w", args[2], err)
		}
		d := time.Duration(ms) * time.Millisecond
		ttl = &d
	}

	if err := c.SET(args[0], []byte(args[1]), ttl); err != nil {
		return err
	}
	fmt.Println("OK")
	return nil
}
