// cirrusctl - Control CLI for the cirrusd daemon
//
//	cirrusctl status              Show daemon and peer status
//	cirrusctl query <cat> [key]   Read the materialized context view
//	cirrusctl record <cat> <key>  Record a context event
//	cirrusctl devices             List known devices and trust state
//	cirrusctl pair <device>       Confirm pairing with a device
//	cirrusctl revoke <device>     Revoke a device's trust
//	cirrusctl watch [cat]         Stream view updates
//	cirrusctl rebuild             Replay the event log into a fresh view
package main

import (
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"cirrusd/internal/config"
	"cirrusd/internal/ipc"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]

	switch cmd {
	case "status":
		cmdStatus()
	case "query":
		cmdQuery()
	case "record":
		cmdRecord()
	case "devices":
		cmdDevices()
	case "pair":
		cmdPair()
	case "revoke":
		cmdRevoke()
	case "watch":
		cmdWatch()
	case "rebuild":
		cmdRebuild()
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`cirrusctl - Control CLI for cirrusd

USAGE:
    cirrusctl <command> [options]

COMMANDS:
    status                     Show daemon, peer and session status
    query <category> [key]     Read the materialized context view
    record <category> <key>    Record a context event
    devices                    List known devices and their trust state
    pair <device> [options]    Confirm pairing with a discovered device
    revoke <device>            Revoke a device's trust (forward only)
    watch [category]           Stream view updates as they happen
    rebuild                    Replay the event log into a fresh view
    help                       Show this help message

PAIRING:
    Run cirrusctl devices on both machines, then on each one:
        cirrusctl pair <other-device-id> -code <shared-code> -proof <their-proof>
    The pair command prints this device's proof for the other side.

Pass -socket to any command to override the default daemon socket.`)
}

// dial parses trailing -socket flags from args and connects to the daemon.
func dial(fs *flag.FlagSet, args []string) (*ipc.Client, []string) {
	socket := fs.String("socket", config.Default().IPC.SocketPath, "daemon socket path")
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}
	c, err := ipc.Dial(*socket)
	if err != nil {
		fatal(err)
	}
	return c, fs.Args()
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func cmdStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	c, _ := dial(fs, os.Args[2:])
	defer c.Close()

	st, err := c.Status()
	if err != nil {
		fatal(err)
	}

	fmt.Printf("cirrusd %s\n", st.Version)
	fmt.Printf("  Device:     %s (%s)\n", st.DeviceName, st.Device)
	fmt.Printf("  Uptime:     %s\n", st.Uptime.Round(time.Second))
	fmt.Printf("  Events:     %d (deferred: %d)\n", st.EventCount, st.Deferred)
	fmt.Printf("  Generation: %d\n", st.Generation)

	if len(st.Peers) > 0 {
		fmt.Println("\nPEERS:")
		for _, p := range st.Peers {
			mark := " "
			if p.Reachable {
				mark = "*"
			}
			name := p.Name
			if name == "" {
				name = "-"
			}
			fmt.Printf("  %s %-10s %-8s %s\n", mark, name, p.Trust, p.Device)
		}
	}
	if len(st.Sessions) > 0 {
		fmt.Println("\nSESSIONS:")
		for _, s := range st.Sessions {
			fmt.Printf("  %s  %s  %s  sent=%d recv=%d\n",
				s.SessionID, s.Peer, s.State, s.Sent, s.Received)
		}
	}
}

func cmdQuery() {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	raw := fs.Bool("raw", false, "print payloads without decoding")
	c, args := dial(fs, os.Args[2:])
	defer c.Close()

	if len(args) < 1 {
		fatal(fmt.Errorf("usage: cirrusctl query <category> [key]"))
	}
	key := ""
	if len(args) > 1 {
		key = args[1]
	}

	resp, err := c.Query(args[0], key)
	if err != nil {
		fatal(err)
	}
	for _, e := range resp.Entries {
		if e.Tombstone {
			fmt.Printf("%s/%s  (deleted)  %s\n", e.Category, e.Key, e.EventID)
			continue
		}
		payload := string(e.Payload)
		if *raw {
			payload = base64.StdEncoding.EncodeToString(e.Payload)
		}
		fmt.Printf("%s/%s  %s  %s\n", e.Category, e.Key, payload, e.EventID)
	}
}

// defaultRecordScope is what record uses when -scope is not given.
const defaultRecordScope = "paired_devices"

func cmdRecord() {
	fs := flag.NewFlagSet("record", flag.ExitOnError)
	payload := fs.String("payload", "", "payload bytes (UTF-8)")
	scope := fs.String("scope", defaultRecordScope, "privacy scope: paired_devices, device_local, explicit_share")
	recipients := fs.String("recipients", "", "comma-separated device IDs for explicit_share")
	tombstone := fs.Bool("delete", false, "record a deletion tombstone")
	c, args := dial(fs, os.Args[2:])
	defer c.Close()

	if len(args) < 2 {
		fatal(fmt.Errorf("usage: cirrusctl record <category> <key> [options]"))
	}

	req := &ipc.RecordRequest{
		Category:  args[0],
		Key:       args[1],
		Payload:   []byte(*payload),
		Scope:     *scope,
		Tombstone: *tombstone,
	}
	if *recipients != "" {
		req.Recipients = strings.Split(*recipients, ",")
	}

	resp, err := c.Record(req)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("Recorded %s (clock %d)\n", resp.EventID, resp.Clock)
}

func cmdDevices() {
	fs := flag.NewFlagSet("devices", flag.ExitOnError)
	c, _ := dial(fs, os.Args[2:])
	defer c.Close()

	resp, err := c.Devices()
	if err != nil {
		fatal(err)
	}
	if len(resp.Devices) == 0 {
		fmt.Println("No known devices.")
		return
	}
	for _, d := range resp.Devices {
		name := d.Name
		if name == "" {
			name = "-"
		}
		fmt.Printf("%-8s %-12s %s", d.Trust, name, d.Device)
		if !d.PairedAt.IsZero() {
			fmt.Printf("  paired %s", d.PairedAt.Format("2006-01-02"))
		}
		if !d.RevokedAt.IsZero() {
			fmt.Printf("  revoked %s", d.RevokedAt.Format("2006-01-02"))
		}
		fmt.Println()
	}
}

func cmdPair() {
	fs := flag.NewFlagSet("pair", flag.ExitOnError)
	code := fs.String("code", "", "shared confirmation code (required)")
	proofB64 := fs.String("proof", "", "base64 proof printed by the other device")
	c, args := dial(fs, os.Args[2:])
	defer c.Close()

	if len(args) < 1 || *code == "" {
		fatal(fmt.Errorf("usage: cirrusctl pair <device> -code <code> [-proof <base64>]"))
	}

	var proof []byte
	if *proofB64 != "" {
		var err error
		proof, err = base64.StdEncoding.DecodeString(*proofB64)
		if err != nil {
			fatal(fmt.Errorf("bad proof encoding: %w", err))
		}
	}

	resp, err := c.Pair(args[0], *code, proof)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("Device %s is now %s\n", resp.Device, resp.Trust)
	if len(resp.Proof) > 0 {
		fmt.Printf("Give the other device this proof:\n  %s\n",
			base64.StdEncoding.EncodeToString(resp.Proof))
	}
}

func cmdRevoke() {
	fs := flag.NewFlagSet("revoke", flag.ExitOnError)
	c, args := dial(fs, os.Args[2:])
	defer c.Close()

	if len(args) < 1 {
		fatal(fmt.Errorf("usage: cirrusctl revoke <device>"))
	}

	resp, err := c.Revoke(args[0])
	if err != nil {
		fatal(err)
	}
	fmt.Printf("Device %s is now %s. Events merged before revocation remain.\n",
		resp.Device, resp.Trust)
}

func cmdWatch() {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	c, args := dial(fs, os.Args[2:])
	defer c.Close()

	category := ""
	if len(args) > 0 {
		category = args[0]
	}

	err := c.Watch(category, func(u ipc.ViewUpdateEvent) {
		fmt.Printf("%s  %s/%s  gen=%d\n",
			time.Now().Format("15:04:05"), u.Category, u.Key, u.Generation)
	})
	if err != nil {
		fatal(err)
	}
}

func cmdRebuild() {
	fs := flag.NewFlagSet("rebuild", flag.ExitOnError)
	c, _ := dial(fs, os.Args[2:])
	defer c.Close()

	resp, err := c.Rebuild()
	if err != nil {
		fatal(err)
	}
	fmt.Printf("View rebuilt (generation %d)\n", resp.Generation)
}
