// Devevent posts an account event to a local server, the way the login flow would.
// Run from the server's data directory (where auth.pem lives).
//
//	devevent created dev@your_domain.com
//	devevent login dev@your_domain.com
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/TheLab-ms/rolesync/engine"
	"github.com/TheLab-ms/rolesync/modules/rolesync"
)

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: devevent created|login EMAIL")
		os.Exit(1)
	}

	var path string
	switch os.Args[1] {
	case "created":
		path = "/events/account-created"
	case "login":
		path = "/events/account-login"
	default:
		panic(fmt.Sprintf("unknown event type %q", os.Args[1]))
	}

	tok, err := engine.NewTokenIssuer("auth.pem").Issue("devevent", rolesync.EventsAudience, 5*time.Minute)
	if err != nil {
		panic(err)
	}

	body, _ := json.Marshal(map[string]string{"email": os.Args[2]})
	req, err := http.NewRequest("POST", "http://localhost:8080"+path, bytes.NewReader(body))
	if err != nil {
		panic(err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		panic(err)
	}
	defer resp.Body.Close()

	out, _ := io.ReadAll(resp.Body)
	fmt.Printf("%d %s", resp.StatusCode, out)
}
