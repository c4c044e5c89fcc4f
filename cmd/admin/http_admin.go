package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

func doRequest(method, u string, body any, timeout time.Duration) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			fmt.Fprintln(os.Stderr, "encode:", err)
			os.Exit(1)
		}
		r = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, u, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	cl := &http.Client{Timeout: timeout}
	resp, err := cl.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}

func adminURL(base, path string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/") + path
}

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	doRequest(http.MethodGet, adminURL(*baseURL, "/admin/v1/state"), nil, 5*time.Second)
}

func snapshotCmd(args []string) {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	doRequest(http.MethodPost, adminURL(*baseURL, "/admin/v1/snapshot"), nil, 10*time.Second)
}

// machineCmd: machine add|get|rm|drain|flush
func machineCmd(args []string) {
	fs := flag.NewFlagSet("machine", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	anchor := fs.String("anchor", "", "anchor x,y,z (add)")
	xSize := fs.Int("x", 16, "interior x size (add)")
	zSize := fs.Int("z", 16, "interior z size (add)")
	id := fs.String("id", "", "machine id (get, rm, drain, flush)")
	_ = fs.Parse(args)

	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: admin machine [flags] add|get|rm|drain|flush")
		os.Exit(2)
	}
	op := fs.Arg(0)
	if op != "add" && strings.TrimSpace(*id) == "" {
		fmt.Fprintln(os.Stderr, "missing -id")
		os.Exit(2)
	}
	machinePath := "/admin/v1/machines/" + strings.TrimSpace(*id)

	switch op {
	case "add":
		a, err := parseVec3(*anchor)
		if err != nil {
			fmt.Fprintln(os.Stderr, "bad -anchor:", err)
			os.Exit(2)
		}
		body := map[string]any{"anchor": a, "x_size": *xSize, "z_size": *zSize}
		doRequest(http.MethodPost, adminURL(*baseURL, "/admin/v1/machines"), body, 10*time.Second)
	case "get":
		doRequest(http.MethodGet, adminURL(*baseURL, machinePath), nil, 5*time.Second)
	case "rm":
		doRequest(http.MethodDelete, adminURL(*baseURL, machinePath), nil, 10*time.Second)
	case "drain":
		doRequest(http.MethodPost, adminURL(*baseURL, machinePath+"/drain"), nil, 10*time.Second)
	case "flush":
		doRequest(http.MethodPost, adminURL(*baseURL, machinePath+"/flush"), nil, 10*time.Second)
	default:
		fmt.Fprintf(os.Stderr, "unknown machine op %q\n", op)
		os.Exit(2)
	}
}

func parseVec3(s string) ([3]int, error) {
	var v [3]int
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 3 {
		return v, fmt.Errorf("expected x,y,z")
	}
	for i := 0; i < 3; i++ {
		n, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil {
			return v, err
		}
		v[i] = n
	}
	return v, nil
}
