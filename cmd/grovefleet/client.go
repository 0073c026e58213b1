package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type ackResponse struct {
	OpID    string `json:"op_id,omitempty"`
	Started bool   `json:"started"`
	Error   string `json:"error,omitempty"`
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

// postJSON POSTs body (marshalled as JSON) to path and decodes an ackResponse.
func postJSON(path string, body any) (ackResponse, error) {
	return doAck(http.MethodPost, path, body)
}

func deleteJSON(path string, body any) (ackResponse, error) {
	return doAck(http.MethodDelete, path, body)
}

func doAck(method, path string, body any) (ackResponse, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return ackResponse{}, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, daemonAddr+path, reader)
	if err != nil {
		return ackResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return ackResponse{}, fmt.Errorf("contact grovefleetd at %s: %w", daemonAddr, err)
	}
	defer resp.Body.Close()

	var ack ackResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return ackResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return ack, nil
}

func getJSON(path string, out any) error {
	resp, err := httpClient.Get(daemonAddr + path)
	if err != nil {
		return fmt.Errorf("contact grovefleetd at %s: %w", daemonAddr, err)
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func printAck(ack ackResponse) error {
	if ack.Err() {
		return fmt.Errorf("%s", ack.Error)
	}
	fmt.Printf("started (op %s)\n", ack.OpID)
	return nil
}

// Err reports whether the daemon rejected the request synchronously.
func (a ackResponse) Err() bool { return a.Error != "" }
