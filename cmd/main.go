package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/orcastor/afs/core"
	"github.com/orcastor/afs/sdk"
	"github.com/orcastor/afs/worker"
)

var (
	configFile = flag.String("config", "", "Server configuration file path (TOML format), for add-user")
	action     = flag.String("action", "", "Operation type: upload, download, list, delete, add-user")
	endpoint   = flag.String("endpoint", "http://127.0.0.1:9001", "Server address")
	localPath  = flag.String("local", "", "Local file path")
	owner      = flag.String("owner", "", "Owner of the remote tree")
	remotePath = flag.String("remote", "/", "Remote path (relative to the owner root)")
	chunkSize  = flag.Int("chunk", sdk.ChunkSize, "Upload chunk size in bytes")
	timeout    = flag.Duration("timeout", 30*time.Second, "Request timeout")
	atomic     = flag.Bool("atomic", false, "Upload all chunks in one transaction")
	sessionKey = flag.String("key", "", "Interactive session key, needed by -atomic")

	userName = flag.String("user", "", "Username")
	password = flag.String("pass", "", "Password")

	// User management parameters
	newUser   = flag.String("newuser", "", "New username (for add-user)")
	newPass   = flag.String("newpass", "", "New password (for add-user)")
	userName_ = flag.String("username", "", "User display name (for add-user)")
	userRole  = flag.String("role", "", "User role: USER or ADMIN (for add-user)")
)

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func main() {
	flag.Parse()
	ctx := context.Background()

	if *action == "add-user" {
		addUser(ctx)
		return
	}

	if *userName == "" || *password == "" {
		fail("Error: Username and password cannot be empty (use -user and -pass parameters)")
	}
	if *owner == "" {
		fail("Error: Must specify the owner (use -owner parameter)")
	}

	c := sdk.NewClient(sdk.Config{Endpoint: *endpoint, Timeout: *timeout, InteractiveKey: *sessionKey})
	if err := c.Login(ctx, *userName, *password); err != nil {
		fail("Login failed: %v", err)
	}
	defer c.Logout(ctx)

	switch *action {
	case "upload":
		if *localPath == "" {
			fail("Error: Must specify local path (use -local parameter)")
		}
		if err := upload(ctx, c); err != nil {
			fail("Upload failed: %v", err)
		}
		fmt.Println("Upload completed!")
	case "download":
		if *localPath == "" {
			fail("Error: Must specify local path (use -local parameter)")
		}
		data, err := c.Read(ctx, *owner, *remotePath, 0, 0)
		if err != nil {
			fail("Download failed: %v", err)
		}
		if err := os.WriteFile(*localPath, data, 0o644); err != nil {
			fail("Download failed: %v", err)
		}
		fmt.Printf("Download completed: %d bytes\n", len(data))
	case "list":
		es, err := c.List(ctx, *owner, *remotePath, false)
		if err != nil {
			fail("List failed: %v", err)
		}
		for _, e := range es {
			kind := "-"
			if e.IsDir {
				kind = "d"
			}
			fmt.Printf("%s %12d %s %s\n", kind, e.Size, time.Unix(e.ModTime, 0).Format(time.RFC3339), e.Path)
		}
	case "delete":
		if err := c.Delete(ctx, *owner, *remotePath); err != nil {
			fail("Delete failed: %v", err)
		}
	default:
		fail("Error: Unknown operation type %q (supported: upload, download, list, delete, add-user)", *action)
	}
}

func upload(ctx context.Context, c *sdk.Client) error {
	f, err := os.Open(*localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	if !*atomic {
		return c.Upload(ctx, *owner, *remotePath, f, *chunkSize)
	}
	if *sessionKey == "" {
		return fmt.Errorf("-atomic needs -key")
	}
	if _, err := c.Begin(ctx); err != nil {
		return err
	}
	if err := c.Upload(ctx, *owner, *remotePath, f, *chunkSize); err != nil {
		// a failed request already rolled the transaction back
		return err
	}
	o, err := c.Commit(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Transaction %s\n", o)
	return nil
}

// addUser writes straight to the server state, the server may be stopped.
func addUser(ctx context.Context) {
	if *newUser == "" || *newPass == "" {
		fail("Error: Must specify -newuser and -newpass")
	}
	cfg, err := core.LoadConfig(*configFile)
	if err != nil {
		fail("Failed to load configuration: %v", err)
	}
	if err := cfg.MkdirAll(); err != nil {
		fail("Failed to create state directory: %v", err)
	}
	pool := core.NewDBPool(cfg.DB)
	defer pool.Close()
	auth, err := worker.NewAuthenticator(cfg, pool)
	if err != nil {
		fail("Failed to open user store: %v", err)
	}
	defer auth.Close()

	role := uint32(worker.USER)
	if *userRole == "ADMIN" {
		role = uint32(worker.ADMIN)
	}
	name := *userName_
	if name == "" {
		name = *newUser
	}
	user, err := auth.AddUser(ctx, *newUser, *newPass, name, role)
	if err != nil {
		fail("Failed to create user: %v", err)
	}
	fmt.Printf("User created successfully:\n")
	fmt.Printf("  ID: %d\n", user.ID)
	fmt.Printf("  Username: %s\n", user.Usr)
	fmt.Printf("  Name: %s\n", user.Name)
	if user.Role == worker.ADMIN {
		fmt.Printf("  Role: ADMIN\n")
	} else {
		fmt.Printf("  Role: USER\n")
	}
}
