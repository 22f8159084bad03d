// symphonyctl is the command-line client against a conductor's HTTP
// control surface. It never touches storage directly; it only ever
// talks to the HTTP API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/pflag"

	"symphony/pkg/model"
)

func main() {
	addr := pflag.String("addr", "http://127.0.0.1:8080", "conductor http api address")
	pflag.Parse()
	args := pflag.Args()

	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	cli := &ctlClient{addr: *addr, http: client}

	var err error
	switch args[0] {
	case "create":
		err = cli.create(args[1:])
	case "list":
		err = cli.list()
	case "get":
		err = cli.get(args[1:])
	case "delete":
		err = cli.delete(args[1:])
	case "nodes":
		err = cli.nodes()
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: symphonyctl [--addr URL] <create|list|get|delete|nodes> [args]")
	fmt.Fprintln(os.Stderr, "  create <name> <image> [command...]")
	fmt.Fprintln(os.Stderr, "  get <deployment-id>")
	fmt.Fprintln(os.Stderr, "  delete <deployment-id>")
}

type ctlClient struct {
	addr string
	http *http.Client
}

func (c *ctlClient) create(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("create requires a name and an image")
	}
	name, image := args[0], args[1]
	command := args[2:]

	body, err := json.Marshal(map[string]any{
		"name": name,
		"kind": model.KindDocker,
		"specification": model.Specification{
			Image:   image,
			Command: command,
		},
	})
	if err != nil {
		return err
	}

	resp, err := c.http.Post(c.addr+"/deployments", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func (c *ctlClient) list() error {
	resp, err := c.http.Get(c.addr + "/deployments")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func (c *ctlClient) get(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("get requires exactly one deployment id")
	}
	resp, err := c.http.Get(c.addr + "/deployments/" + args[0])
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func (c *ctlClient) delete(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("delete requires exactly one deployment id")
	}
	req, err := http.NewRequest(http.MethodDelete, c.addr+"/deployments/"+args[0], nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func (c *ctlClient) nodes() error {
	resp, err := c.http.Get(c.addr + "/nodes")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	fmt.Println(pretty.String())
	if resp.StatusCode >= 400 {
		return fmt.Errorf("http %d", resp.StatusCode)
	}
	return nil
}
