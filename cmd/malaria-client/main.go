package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	serverURL = flag.String("url", "http://127.0.0.1:8000/detect", "detection endpoint")
	timeout   = flag.Duration("timeout", 30*time.Second, "request timeout")
)

type detection struct {
	Prediction    string     `json:"prediction"`
	ClassIndex    int        `json:"class_index"`
	Probabilities [2]float64 `json:"probabilities"`
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <image.jpg|image.png>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	client := &http.Client{Timeout: *timeout}
	result, err := detect(client, *serverURL, flag.Arg(0))
	if err != nil {
		log.Fatalf("Failed to get prediction: %v", err)
	}
	fmt.Print(report(result))
}

func detect(client *http.Client, url, path string) (*detection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("im", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(data); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	resp, err := client.Post(url, mw.FormDataContentType(), &body)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned error status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result detection
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if result.ClassIndex < 0 || result.ClassIndex > 1 {
		return nil, fmt.Errorf("unexpected class index %d", result.ClassIndex)
	}
	return &result, nil
}

func report(d *detection) string {
	var b strings.Builder
	fmt.Fprintln(&b, "MALARIA DETECTION REPORT")
	fmt.Fprintln(&b, "=====================================")
	fmt.Fprintf(&b, "Prediction: %s\n", d.Prediction)
	fmt.Fprintf(&b, "Confidence: %.2f%%\n\n", d.Probabilities[d.ClassIndex]*100)
	fmt.Fprintln(&b, "Detailed Probabilities:")
	fmt.Fprintf(&b, "- Uninfected: %.2f%%\n", d.Probabilities[0]*100)
	fmt.Fprintf(&b, "- Parasitized: %.2f%%\n\n", d.Probabilities[1]*100)
	fmt.Fprintf(&b, "Class Index: %d\n", d.ClassIndex)
	fmt.Fprintln(&b, "=====================================")
	fmt.Fprintln(&b, "Note: This is an AI-assisted diagnosis and should be confirmed by a medical professional.")
	return b.String()
}
