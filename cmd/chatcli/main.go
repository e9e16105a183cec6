package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/npezzotti/go-messenger/internal/client"
	"github.com/npezzotti/go-messenger/internal/types"
	"go.uber.org/zap"
)

var (
	serverURL string
	email     string
	password  string
	username  string
	register  bool
	s3Region  string
	s3Bucket  string
	s3Prefix  string
	s3BaseURL string
	verbose   bool
)

const help = `commands:
  /convs                 list conversations
  /open <id>             open a conversation
  /new <userId>          start a direct conversation
  /leave                 leave the open conversation
  /delete                delete the open conversation
  /online                list online users
  /retry <tempId>        resend a failed message
  /discard <tempId>      drop a failed message
  /image <path>          send an image
  /quit                  exit
  @<topic>               ask for a suggested message
anything else is sent to the open conversation`

func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
	}
	return base + "/ws"
}

type cli struct {
	log      *zap.SugaredLogger
	api      *client.APIClient
	session  *client.Session
	composer *client.Composer

	mu   sync.Mutex
	open types.Conversation
}

func (c *cli) printView(view []client.Entry) {
	if len(view) == 0 {
		return
	}
	e := view[len(view)-1]
	if e.Provisional != nil {
		fmt.Printf("  [%s] you: %s%s\n", e.Provisional.Status, e.Provisional.Body, e.Provisional.ImageUrl)
		if e.Provisional.Status == client.StatusFailed {
			fmt.Printf("  send failed, /retry %s or /discard %s\n", e.Provisional.TempId, e.Provisional.TempId)
		}
		return
	}
	m := e.Message
	c.mu.Lock()
	conv := c.open
	c.mu.Unlock()
	label := client.SenderLabel(conv, *m, c.session.User().Id)
	fmt.Printf("  %s %s: %s%s\n", m.CreatedAt.Local().Format("15:04"), label, m.Body, m.ImageUrl)
}

func (c *cli) openConversation(ctx context.Context, id string) error {
	conv, ok := c.session.Conversations.Get(id)
	if !ok {
		return fmt.Errorf("unknown conversation %q", id)
	}
	_, composer, err := c.session.OpenConversation(ctx, id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.open = conv
	c.mu.Unlock()
	c.composer = composer

	for _, e := range c.session.Messages.View() {
		c.printView([]client.Entry{e})
	}
	return nil
}

func (c *cli) sendImage(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return err
	}
	ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	_, err = c.composer.UploadAndSend(ctx, filepath.Base(path), ct, f, st.Size())
	return err
}

func (c *cli) handle(ctx context.Context, line string) (bool, error) {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "":
		return false, nil
	case "/quit":
		return true, nil
	case "/help":
		fmt.Println(help)
	case "/convs":
		for _, conv := range c.session.Conversations.List() {
			name := conv.Name
			if name == "" {
				name = strings.Join(conv.MemberIds, ", ")
			}
			fmt.Printf("  %s  %s\n", conv.Id, name)
		}
	case "/online":
		for _, e := range c.session.Presence.List() {
			if e.ActiveStatus {
				fmt.Printf("  %s\n", e.UserId)
			}
		}
	case "/open":
		return false, c.openConversation(ctx, arg)
	case "/new":
		conv, err := c.api.CreateConversation(ctx, client.CreateConversationRequest{UserId: arg})
		if err != nil {
			return false, err
		}
		fmt.Printf("  created %s\n", conv.Id)
	case "/leave", "/delete":
		if c.composer == nil {
			return false, fmt.Errorf("no conversation open")
		}
		var err error
		if cmd == "/leave" {
			_, err = c.api.LeaveConversation(ctx, c.open.Id)
		} else {
			_, err = c.api.DeleteConversation(ctx, c.open.Id)
		}
		return false, err
	case "/retry", "/discard", "/image":
		if c.composer == nil {
			return false, fmt.Errorf("no conversation open")
		}
		switch cmd {
		case "/retry":
			return false, c.composer.Retry(ctx, arg)
		case "/discard":
			return false, c.composer.Discard(arg)
		default:
			return false, c.sendImage(ctx, arg)
		}
	default:
		if c.composer == nil {
			return false, fmt.Errorf("no conversation open, try /convs and /open")
		}
		c.composer.SetDraft(line)
		if err := c.composer.Submit(ctx); err != nil {
			return false, err
		}
		if strings.HasPrefix(strings.TrimSpace(line), client.SuggestionPrefix) {
			fmt.Printf("  suggestion: %s\n", c.composer.Draft())
		}
	}

	return false, nil
}

func main() {
	flag.StringVar(&serverURL, "server", "http://localhost:8000", "messenger server url")
	flag.StringVar(&email, "email", "", "account email")
	flag.StringVar(&password, "password", "", "account password")
	flag.StringVar(&username, "username", "", "username, used with -register")
	flag.BoolVar(&register, "register", false, "create the account before signing in")
	flag.StringVar(&s3Region, "s3-region", "", "region of the image bucket")
	flag.StringVar(&s3Bucket, "s3-bucket", "", "bucket for image uploads")
	flag.StringVar(&s3Prefix, "s3-prefix", "uploads", "key prefix for image uploads")
	flag.StringVar(&s3BaseURL, "s3-base-url", "", "public url of the image bucket")
	flag.BoolVar(&verbose, "v", false, "debug logging")
	flag.Parse()

	zcfg := zap.NewDevelopmentConfig()
	if !verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	zl, err := zcfg.Build()
	if err != nil {
		panic(err)
	}
	defer zl.Sync()
	logger := zl.Sugar().Named("chatcli")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api, err := client.NewAPIClient(logger.Named("api"), serverURL)
	if err != nil {
		logger.Fatalw("api client", "error", err)
	}

	if register {
		if _, err := api.Register(ctx, email, username, password); err != nil {
			logger.Fatalw("register", "error", err)
		}
	}
	if _, err := api.Login(ctx, email, password); err != nil {
		logger.Fatalw("login", "error", err)
	}

	transport := client.NewTransport(logger.Named("relay"), wsURL(strings.TrimSuffix(serverURL, "/")), api.Token)
	if err := transport.Connect(ctx); err != nil {
		logger.Fatalw("connect relay", "error", err)
	}
	defer transport.Close()

	var opts []client.SessionOption
	if s3Bucket != "" {
		up, err := client.NewS3Uploader(ctx, s3Region, s3Bucket, s3Prefix, s3BaseURL)
		if err != nil {
			logger.Fatalw("s3 uploader", "error", err)
		}
		opts = append(opts, client.WithSessionUploader(up))
	}

	c := &cli{log: logger, api: api}
	opts = append(opts, client.WithActiveDeleted(func(conv types.Conversation) {
		fmt.Printf("  conversation %s is gone\n", conv.Id)
	}))

	session, err := client.OpenSession(ctx, logger.Named("session"), api, transport, opts...)
	if err != nil {
		logger.Fatalw("open session", "error", err)
	}
	defer session.Close()
	c.session = session

	session.Messages.Observe(c.printView)
	session.Conversations.OnChange(func(convs []types.Conversation) {
		fmt.Printf("  %d conversations\n", len(convs))
	})

	fmt.Printf("signed in as %s\n%s\n", session.User().Username, help)

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			quit, err := c.handle(ctx, line)
			if err != nil {
				fmt.Printf("  error: %v\n", err)
			}
			if quit {
				return
			}
		}
	}
}
