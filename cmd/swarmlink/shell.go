package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/c-bata/go-prompt"

	"tarun-kavipurapu/swarmlink/peer"
	"tarun-kavipurapu/swarmlink/pkg/registry"
)

var shellCommands = []prompt.Suggest{
	{Text: "/help", Description: "Show commands"},
	{Text: "/info", Description: "Show this node"},
	{Text: "/peers", Description: "List active peers"},
	{Text: "/chat", Description: "/chat <peer> <message>"},
	{Text: "/share", Description: "/share <path>"},
	{Text: "/myfiles", Description: "List files shared by this node"},
	{Text: "/find", Description: "/find <query>"},
	{Text: "/download", Description: "/download <file_id> [out]"},
	{Text: "/downloads", Description: "Show download status"},
	{Text: "/cancel", Description: "/cancel <download_id> [--forget]"},
	{Text: "/quit", Description: "Stop the node and exit"},
}

type shell struct {
	ctx  context.Context
	node *peer.Node
	out  io.Writer

	mu       sync.Mutex
	lastFind []peer.RemoteFile
}

func newShell(ctx context.Context, node *peer.Node, out io.Writer) *shell {
	s := &shell{ctx: ctx, node: node, out: out}
	node.OnChat(func(m peer.ChatMessage) {
		fmt.Fprintf(out, "\n%s %s: %s\n", Cyan+"[chat]"+Reset, m.FromName, m.Text)
	})
	return s
}

func (s *shell) Run() {
	info := s.node.Info()
	fmt.Fprintf(s.out, "SwarmLink node %s (%s) on %s\n", info.Name, info.ID, info.Addr)
	fmt.Fprintln(s.out, "Type '/help' for commands.")

	prompt.New(
		s.execute,
		s.complete,
		prompt.OptionPrefix("swarmlink> "),
		prompt.OptionTitle("SwarmLink"),
		prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
			return breakline && isQuit(in)
		}),
	).Run()
}

func isQuit(in string) bool {
	switch strings.TrimSpace(in) {
	case "/quit", "/exit":
		return true
	}
	return false
}

func (s *shell) execute(in string) {
	blocks := strings.Fields(strings.TrimSpace(in))
	if len(blocks) == 0 || isQuit(in) {
		return
	}

	switch blocks[0] {
	case "/help":
		for _, c := range shellCommands {
			fmt.Fprintf(s.out, "  %-12s %s\n", c.Text, c.Description)
		}
	case "/info":
		info := s.node.Info()
		fmt.Fprintf(s.out, "id=%s name=%s addr=%s peers=%d shared=%d downloads=%d\n",
			info.ID, info.Name, info.Addr, info.Peers, info.SharedFiles, info.Downloads)
	case "/peers":
		s.listPeers()
	case "/chat":
		if len(blocks) < 3 {
			fmt.Fprintln(s.out, "Usage: /chat <peer> <message>")
			return
		}
		s.chat(blocks[1], strings.Join(blocks[2:], " "))
	case "/share":
		if len(blocks) < 2 {
			fmt.Fprintln(s.out, "Usage: /share <path>")
			return
		}
		meta, err := s.node.Share(strings.Join(blocks[1:], " "))
		if err != nil {
			fmt.Fprintf(s.out, "Error sharing file: %v\n", err)
			return
		}
		fmt.Fprintf(s.out, "Shared %s (%d bytes, %d pieces)\n  file_id: %s\n", meta.Name, meta.Size, meta.PieceCount, meta.FileID)
	case "/myfiles":
		files := s.node.LocalFiles()
		if len(files) == 0 {
			fmt.Fprintln(s.out, "No shared files.")
			return
		}
		for _, f := range files {
			fmt.Fprintf(s.out, "  %s  %-30s %10d bytes\n", f.FileID, f.Name, f.Size)
		}
	case "/find":
		if len(blocks) < 2 {
			fmt.Fprintln(s.out, "Usage: /find <query>")
			return
		}
		s.find(strings.Join(blocks[1:], " "))
	case "/download":
		if len(blocks) < 2 {
			fmt.Fprintln(s.out, "Usage: /download <file_id> [out]")
			return
		}
		dest := ""
		if len(blocks) > 2 {
			dest = blocks[2]
		}
		s.download(blocks[1], dest)
	case "/downloads":
		s.listDownloads()
	case "/cancel":
		if len(blocks) < 2 {
			fmt.Fprintln(s.out, "Usage: /cancel <download_id> [--forget]")
			return
		}
		s.cancel(blocks[1], len(blocks) > 2 && blocks[2] == "--forget")
	default:
		fmt.Fprintln(s.out, "Unknown command: "+blocks[0])
	}
}

func (s *shell) listPeers() {
	peers := s.node.Peers()
	if len(peers) == 0 {
		fmt.Fprintln(s.out, "No peers discovered yet.")
		return
	}
	for _, p := range peers {
		fmt.Fprintf(s.out, "  %s  %-20s %-21s seen %s ago\n", p.ID, p.Name, p.Addr(), time.Since(p.LastSeen).Round(time.Second))
	}
}

func (s *shell) chat(who, text string) {
	p, err := resolvePeer(s.node.Peers(), who)
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	if err := s.node.SendChat(ctx, p.ID, text); err != nil {
		fmt.Fprintf(s.out, "Error sending chat: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "[to %s] %s\n", p.Name, text)
}

func (s *shell) find(query string) {
	ctx, cancel := context.WithTimeout(s.ctx, 15*time.Second)
	defer cancel()

	files, err := s.node.Find(ctx, query)
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	s.mu.Lock()
	s.lastFind = files
	s.mu.Unlock()

	if len(files) == 0 {
		fmt.Fprintln(s.out, "No matches.")
		return
	}
	for _, f := range files {
		names := make([]string, 0, len(f.Peers))
		for _, p := range f.Peers {
			names = append(names, p.Name)
		}
		fmt.Fprintf(s.out, "  %s  %-30s %10d bytes  on %s\n", f.FileID, f.Name, f.Size, strings.Join(names, ", "))
	}
}

func (s *shell) download(fileID, dest string) {
	job, err := s.node.StartDownload(s.ctx, fileID, dest)
	if err != nil {
		fmt.Fprintf(s.out, "Error starting download: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "Downloading %s from %d peer(s) to %s\n", job.Meta().Name, len(job.Seeders()), job.Dest())
	NewProgressRenderer(job, s.out, true).Run()
}

func (s *shell) listDownloads() {
	downloads := s.node.Downloads()
	if len(downloads) == 0 {
		fmt.Fprintln(s.out, "No downloads.")
		return
	}
	for _, d := range downloads {
		state := "running"
		switch {
		case d.Error != "":
			state = "failed: " + d.Error
		case d.Done:
			state = "done"
		}
		fmt.Fprintf(s.out, "  %s  %-30s %5.1f%% (%d/%d) %s/s %s\n",
			shortID(d.ID), d.Name, d.Percent, d.Completed, d.Pieces, formatBytes(d.Speed), state)
	}
}

func (s *shell) cancel(who string, forget bool) {
	id, err := resolveDownload(s.node.Downloads(), who)
	if err == nil {
		if forget {
			err = s.node.RemoveDownload(id)
		} else {
			err = s.node.CancelDownload(id)
		}
	}
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "Cancelled download %s\n", shortID(id))
}

// resolveDownload accepts a full download id or a unique prefix of one.
func resolveDownload(downloads []peer.DownloadStatus, who string) (string, error) {
	var matches []string
	for _, d := range downloads {
		if d.ID == who {
			return d.ID, nil
		}
		if strings.HasPrefix(d.ID, who) {
			matches = append(matches, d.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", peer.ErrUnknownDownload, who)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("download id %q is ambiguous", who)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (s *shell) complete(d prompt.Document) []prompt.Suggest {
	args := strings.Fields(d.TextBeforeCursor())
	word := d.GetWordBeforeCursor()
	if len(args) == 0 || (len(args) == 1 && word != "") {
		return prompt.FilterHasPrefix(shellCommands, word, true)
	}
	if len(args) > 2 || (len(args) == 2 && word == "") {
		return nil
	}

	var out []prompt.Suggest
	switch args[0] {
	case "/chat":
		for _, p := range s.node.Peers() {
			out = append(out, prompt.Suggest{Text: p.ID, Description: p.Name})
		}
	case "/download":
		s.mu.Lock()
		for _, f := range s.lastFind {
			out = append(out, prompt.Suggest{Text: f.FileID, Description: f.Name})
		}
		s.mu.Unlock()
	}
	return prompt.FilterHasPrefix(out, word, true)
}

// resolvePeer accepts a full peer id, a unique name or a unique id prefix.
func resolvePeer(peers []registry.Peer, who string) (registry.Peer, error) {
	for _, p := range peers {
		if p.ID == who {
			return p, nil
		}
	}

	var matches []registry.Peer
	for _, p := range peers {
		if strings.EqualFold(p.Name, who) {
			matches = append(matches, p)
		}
	}
	if len(matches) == 0 {
		for _, p := range peers {
			if strings.HasPrefix(p.ID, who) {
				matches = append(matches, p)
			}
		}
	}

	switch len(matches) {
	case 0:
		return registry.Peer{}, fmt.Errorf("%w: %s", registry.ErrPeerNotFound, who)
	case 1:
		return matches[0], nil
	default:
		return registry.Peer{}, errors.New("ambiguous peer " + who + ", use the full id")
	}
}
