package main

import (
	"fmt"
	"net/url"
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	urlStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
)

// publicURL is the relay address clients use to reach hostID.
func publicURL(base, hostID string) string {
	u, err := url.JoinPath(base, url.PathEscape(hostID)+"/")
	if err != nil {
		return base + "/" + hostID + "/"
	}
	return u
}

// printPublicURL announces a new host id. Styling is applied only on a terminal.
func printPublicURL(base, hostID string) {
	link := publicURL(base, hostID)
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Println(link)
		return
	}
	fmt.Println(labelStyle.Render("Serving at ") + urlStyle.Render(link))
}
