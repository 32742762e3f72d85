// chattester 手动联调工具：通过 REST 登录后在 websocket 上发送一条消息并打印回复。
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	baseURL := flag.String("base", "http://localhost:8080", "后端地址")
	username := flag.String("user", "", "用户名")
	password := flag.String("password", "", "密码")
	register := flag.Bool("register", false, "先注册该用户")
	message := flag.String("message", "hello", "发送的消息")
	session := flag.String("session", "", "复用的会话 ID，留空则新建")
	timeout := flag.Duration("timeout", 90*time.Second, "等待回复的超时时间")

	flag.Parse()

	if *username == "" || *password == "" {
		flag.Usage()
		log.Fatal("请通过 -user 和 -password 指定账号")
	}

	base, err := url.Parse(strings.TrimRight(*baseURL, "/"))
	if err != nil {
		log.Fatalf("无效的后端地址: %v", err)
	}

	jar, _ := cookiejar.New(nil)
	client := &http.Client{Jar: jar, Timeout: 30 * time.Second}

	resp, err := client.Get(base.String() + "/api/csrf/")
	if err != nil {
		log.Fatalf("获取 CSRF token 失败: %v", err)
	}
	resp.Body.Close()

	endpoint := "/api/login/"
	if *register {
		endpoint = "/api/register/"
	}
	if err := postJSON(client, base, endpoint, map[string]string{"username": *username, "password": *password}); err != nil {
		log.Fatalf("登录失败: %v", err)
	}
	log.Printf("[chattester] logged in as %s", *username)

	if err := exchange(jar, base, *message, *session, *timeout); err != nil {
		log.Fatalf("消息往返失败: %v", err)
	}
}

func postJSON(client *http.Client, base *url.URL, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, base.String()+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for _, c := range client.Jar.Cookies(base) {
		if c.Name == "csrftoken" {
			req.Header.Set("X-CSRFToken", c.Value)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var detail map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&detail)
		return fmt.Errorf("%s returned %d: %v", path, resp.StatusCode, detail)
	}
	return nil
}

func exchange(jar http.CookieJar, base *url.URL, message, sessionID string, timeout time.Duration) error {
	wsURL := *base
	wsURL.Scheme = "ws"
	if base.Scheme == "https" {
		wsURL.Scheme = "wss"
	}
	wsURL.Path = "/ws/chat/"

	dialer := websocket.Dialer{Jar: jar, HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(wsURL.String(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	frame := map[string]any{"message": message}
	if sessionID != "" {
		frame["session_id"] = sessionID
	}

	start := time.Now()
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(timeout))
	var event struct {
		Type      string `json:"type"`
		Message   string `json:"message"`
		SessionID string `json:"session_id"`
	}
	if err := conn.ReadJSON(&event); err != nil {
		return fmt.Errorf("receive: %w", err)
	}

	log.Printf("[chattester] %s after %s (session=%s)", event.Type, time.Since(start).Round(time.Millisecond), event.SessionID)
	fmt.Println(event.Message)
	return nil
}
