package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/avatarlink/pkg/transports/ws"
	"github.com/spf13/viper"
)

type serverConfig struct {
	Server struct {
		Addr   string `mapstructure:"addr"`
		WSPath string `mapstructure:"ws_path"`
	} `mapstructure:"server"`
}

func main() {
	configPath := flag.String("config", "avatarlink.yaml", "")
	addr := flag.String("addr", "", "server address, overrides server.addr")
	avatar := flag.String("avatar", "", "")
	mode := flag.String("mode", "text", "voice or text")
	say := flag.String("say", "", "message to send once connected")
	wait := flag.Duration("wait", 10*time.Second, "how long to print messages before stopping")
	flag.Parse()
	if *avatar == "" {
		fmt.Println("usage: ws_client -avatar=<id> [-mode=text] [-say=hello] [-config=...]")
		os.Exit(1)
	}
	cfg, err := loadServerConfig(*configPath)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}
	host := *addr
	if host == "" {
		host = normalizeAddr(cfg.Server.Addr)
	}
	path := cfg.Server.WSPath
	if path == "" {
		path = "/ws"
	}
	u := url.URL{Scheme: "ws", Host: host, Path: path}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		fmt.Println("dial error:", err)
		os.Exit(1)
	}
	defer conn.Close()

	intents := []ws.Intent{
		{Type: ws.IntentSelectAvatar, ID: "avatar", AvatarID: *avatar},
		{Type: ws.IntentSelectMode, ID: "mode", Mode: *mode},
		{Type: ws.IntentStart, ID: "start"},
	}
	for _, in := range intents {
		if err := conn.WriteJSON(in); err != nil {
			fmt.Println("write error:", err)
			os.Exit(1)
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var msg ws.Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			printMessage(msg)
			if *say != "" && msg.Type == ws.MessageResult && msg.ID == "start" && msg.OK != nil && *msg.OK {
				_ = conn.WriteJSON(ws.Intent{Type: ws.IntentSendText, ID: "say", Text: *say})
			}
		}
	}()

	select {
	case <-done:
		return
	case <-time.After(*wait):
	}
	_ = conn.WriteJSON(ws.Intent{Type: ws.IntentStop, ID: "stop"})
	time.Sleep(500 * time.Millisecond)
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func printMessage(msg ws.Message) {
	switch msg.Type {
	case ws.MessageSnapshot:
		if msg.Snapshot == nil {
			return
		}
		fmt.Printf("snapshot: state=%s quality=%s messages=%d\n", msg.Snapshot.State, msg.Snapshot.Quality, len(msg.Snapshot.Messages))
	default:
		raw, _ := json.Marshal(msg)
		fmt.Println(string(raw))
	}
}

func loadServerConfig(path string) (serverConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return serverConfig{}, err
	}
	var cfg serverConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return serverConfig{}, err
	}
	return cfg, nil
}

// normalizeAddr turns a listen address into something dialable.
func normalizeAddr(v string) string {
	if v == "" {
		return "127.0.0.1:8080"
	}
	host, port, err := net.SplitHostPort(v)
	if err != nil {
		return v
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strings.TrimSpace(port))
}
