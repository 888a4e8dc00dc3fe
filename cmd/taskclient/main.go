// Command taskclient joins the shared task list from a terminal.
//
//	add <title>     create a task
//	toggle <id>     flip completion
//	delete <id>     remove a task
//	list            print the current view
//	quit            exit
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"tasksync/client"
)

func main() {
	server := flag.String("server", "http://localhost:5000", "server base url")
	user := flag.String("user", "", "name shown as the creator of your tasks")
	optimistic := flag.Bool("optimistic", false, "show your adds before the server confirms them")
	debug := flag.Bool("debug", false, "verbose logging")
	flag.Parse()

	if strings.TrimSpace(*user) == "" {
		fmt.Fprintln(os.Stderr, "-user is required")
		os.Exit(2)
	}
	logger := log.New()
	logger.SetOutput(os.Stderr)
	if *debug {
		logger.SetLevel(log.DebugLevel)
	}

	var opts []client.Option
	if *optimistic {
		opts = append(opts, client.WithOptimistic(10*time.Second))
	}
	rec := client.NewReconciler(opts...)
	conn, err := client.NewConnector(*server, *user, rec, logger)
	if err != nil {
		logger.Fatalf("connector: %v", err)
	}

	out := &printer{w: os.Stdout}
	conn.OnChange(out.view)
	conn.OnConnection(func(up bool) {
		if up {
			out.line("connected")
		} else {
			out.line("disconnected, retrying")
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = conn.Run(ctx)
	}()

	readCommands(ctx, stop, os.Stdin, conn, rec, out)
	stop()
	wg.Wait()
}

func readCommands(ctx context.Context, stop context.CancelFunc, r io.Reader, conn *client.Connector, rec *client.Reconciler, out *printer) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := run(ctx, strings.TrimSpace(line), conn, rec, out); quit {
				stop()
				return
			}
		}
	}
}

func run(ctx context.Context, line string, conn *client.Connector, rec *client.Reconciler, out *printer) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	var err error
	switch cmd {
	case "":
	case "quit", "exit":
		return true
	case "list":
		out.view(rec.View())
	case "add":
		err = conn.AddTask(ctx, arg)
	case "toggle", "delete":
		id, perr := strconv.ParseInt(arg, 10, 64)
		if perr != nil {
			out.line("usage: " + cmd + " <id>")
			return false
		}
		if cmd == "toggle" {
			err = conn.ToggleTask(ctx, id)
		} else {
			err = conn.DeleteTask(ctx, id)
		}
	default:
		out.line("commands: add <title>, toggle <id>, delete <id>, list, quit")
	}
	if err != nil {
		out.line("error: " + err.Error())
	}
	return false
}

type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) line(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, s)
}

func (p *printer) view(entries []client.Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, "----")
	if len(entries) == 0 {
		fmt.Fprintln(p.w, "(no tasks)")
	}
	for _, e := range entries {
		mark := "[ ]"
		if e.IsCompleted {
			mark = "[x]"
		}
		id := strconv.FormatInt(e.ID, 10)
		if e.Pending {
			id = "…"
		}
		fmt.Fprintf(p.w, "%4s %s %s (%s)\n", id, mark, e.Title, e.CreatedBy)
	}
}
