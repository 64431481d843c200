// Command gearman-client submits one job to a Gearman server and prints
// its result. It exists to exercise the library end to end; real callers
// are expected to use the gearman package directly.
package main

import (
	"context"
	"flag"
	"log"
	"strings"
	"time"

	"github.com/nurrazamanjoy/gearman"
)

func main() {
	var (
		servers    = flag.String("servers", "127.0.0.1:4730", "comma-separated list of host:port Gearman servers")
		funcName   = flag.String("func", "", "function name to submit")
		data       = flag.String("data", "", "workload to send")
		namespace  = flag.String("namespace", "", "function/reducer namespace prefix")
		background = flag.Bool("background", false, "submit as a background (fire-and-forget) job")
		timeout    = flag.Duration("timeout", 30*time.Second, "overall deadline for the submission")
	)
	flag.Parse()

	if *funcName == "" {
		log.Fatal("-func is required")
	}

	client, err := gearman.NewClient(strings.Split(*servers, ","), gearman.WithNamespace(*namespace))
	if err != nil {
		log.Fatalf("new client: %v", err)
	}
	defer client.Close()

	var opts []gearman.SubmitOption
	if *background {
		opts = append(opts, gearman.WithBackground())
	}
	opts = append(opts, gearman.WithTaskCallbacks(gearman.TaskCallbacks{
		OnComplete: func(t *gearman.Task, pkt *gearman.Packet) error {
			log.Printf("complete: %s", t.Result())
			return nil
		},
		OnFail: func(t *gearman.Task, pkt *gearman.Packet) error {
			log.Printf("failed: %v", t.Err())
			return nil
		},
		OnException: func(t *gearman.Task, pkt *gearman.Packet) error {
			log.Printf("exception: %s", t.Exception())
			return nil
		},
	}))

	task, err := client.AddTask(*funcName, []byte(*data), opts...)
	if err != nil {
		log.Fatalf("add task: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := client.RunTasks(ctx); err != nil {
		log.Fatalf("run tasks: %v", err)
	}

	log.Printf("task %s finished in state %s", task.Handle, task.State())
}
