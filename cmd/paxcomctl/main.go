package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"paxcom/pkg/client"
	"paxcom/pkg/site"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: paxcomctl -server host:port <command> [args]

commands:
  boot <addr,...>          bootstrap a new group with the given members
  add <addr,...>           add members to the group
  remove <addr,...>        remove members from the group
  force <addr,...>         force a new configuration (quorum loss recovery)
  horizon <n>              set the event horizon
  get-horizon              print the active event horizon
  send <payload>           submit a payload for total ordering
  shutdown                 terminate the remote engine
`)
	os.Exit(2)
}

func parseNodes(arg string) []site.NodeAddress {
	var nodes []site.NodeAddress
	for _, addr := range strings.Split(arg, ",") {
		addr = strings.TrimSpace(addr)
		if addr != "" {
			nodes = append(nodes, client.NewNodeAddress(addr))
		}
	}
	return nodes
}

func main() {
	server := flag.String("server", "127.0.0.1:33061", "group member to talk to")
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	c, err := client.Dial(*server)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	switch args[0] {
	case "boot":
		if len(args) != 2 {
			usage()
		}
		if err := c.Boot(parseNodes(args[1])); err != nil {
			fmt.Fprintf(os.Stderr, "boot: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("boot sent")
	case "add", "remove", "force":
		if len(args) != 2 {
			usage()
		}
		nodes := parseNodes(args[1])
		var code any
		switch args[0] {
		case "add":
			code, err = c.AddNode(nodes)
		case "remove":
			code, err = c.RemoveNode(nodes)
		case "force":
			code, err = c.ForceConfig(nodes)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", args[0], err)
			os.Exit(1)
		}
		fmt.Println(code)
	case "horizon":
		if len(args) != 2 {
			usage()
		}
		h, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			usage()
		}
		code, err := c.SetEventHorizon(uint32(h))
		if err != nil {
			fmt.Fprintf(os.Stderr, "horizon: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(code)
	case "get-horizon":
		h, err := c.GetEventHorizon()
		if err != nil {
			fmt.Fprintf(os.Stderr, "get-horizon: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(h)
	case "send":
		if len(args) != 2 {
			usage()
		}
		if err := c.Send([]byte(args[1])); err != nil {
			fmt.Fprintf(os.Stderr, "send: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("sent")
	case "shutdown":
		if err := c.TerminateAndExit(); err != nil {
			fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("shutdown requested")
	default:
		usage()
	}
}
