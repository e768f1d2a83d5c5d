package main

import (
	"fmt"
	"os"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/gesturenode/pkg/detector"
	"github.com/cyclopcam/gesturenode/pkg/graph"
	"github.com/cyclopcam/gesturenode/pkg/nn"
	"github.com/cyclopcam/gesturenode/server"
	"github.com/cyclopcam/logs"
)

func main() {
	parser := argparse.NewParser("gesturenode", "Turn classifier scores into stabilized gesture detections")

	serveCmd := parser.NewCommand("serve", "Run the HTTP server")
	configFile := serveCmd.String("c", "config", &argparse.Options{Help: "JSON config file", Required: true})
	listen := serveCmd.String("l", "listen", &argparse.Options{Help: "HTTP listen address", Default: ":8080"})

	replayCmd := parser.NewCommand("replay", "Run a file of JSON frames (one per line) through the node, and print the detections")
	optionsFile := replayCmd.String("", "options", &argparse.Options{Help: "JSON node options file", Required: true})
	classFile := replayCmd.String("", "classes", &argparse.Options{Help: "Class names file, one per line", Default: ""})
	inputFile := replayCmd.String("i", "input", &argparse.Options{Help: "Frames file (JSON lines)", Required: true})
	outputFile := replayCmd.String("o", "output", &argparse.Options{Help: "Output file (JSON lines). Default is stdout", Default: ""})

	if err := parser.Parse(os.Args); err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	if serveCmd.Happened() {
		err = serve(logger, *configFile, *listen)
	} else if replayCmd.Happened() {
		err = replayFile(logger, *optionsFile, *classFile, *inputFile, *outputFile)
	}
	if err != nil {
		logger.Errorf("%v", err)
		logger.Close()
		os.Exit(1)
	}
	logger.Close()
}

func serve(logger logs.Log, configFile, listen string) error {
	cfg, err := server.LoadConfig(configFile)
	if err != nil {
		return err
	}
	s, err := server.NewServer(logger, *cfg)
	if err != nil {
		return err
	}
	s.ListenForKillSignals()
	go func() {
		if err := s.ListenHTTP(listen); err != nil {
			logger.Errorf("HTTP server failed: %v", err)
			s.Shutdown()
		}
	}()
	daemon.SdNotify(false, daemon.SdNotifyReady)
	return s.WaitForShutdown()
}

func replayFile(logger logs.Log, optionsFile, classFile, inputFile, outputFile string) error {
	options, err := detector.LoadOptions(optionsFile)
	if err != nil {
		return err
	}
	var classes []string
	if classFile != "" {
		if classes, err = nn.LoadClassFile(classFile); err != nil {
			return err
		}
	}

	input, err := os.Open(inputFile)
	if err != nil {
		return err
	}
	defer input.Close()

	output := os.Stdout
	if outputFile != "" {
		if output, err = os.Create(outputFile); err != nil {
			return err
		}
		defer output.Close()
	}

	runner, err := graph.NewRunner(logger, detector.NewNode(*options, classes))
	if err != nil {
		return err
	}
	defer runner.Close()

	result, err := replay(logger, runner, input, output)
	if err != nil {
		return err
	}
	logger.Infof("Replayed %v frames (%v failed)", result.Frames, result.Failed)
	return nil
}
