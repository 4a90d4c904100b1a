package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"stacked/searchservice/internal/domain"
	"stacked/searchservice/internal/search"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#8a8f98"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#e06c75"))
	titleStyle  = lipgloss.NewStyle().Bold(true)
)

const maxTitleWidth = 48

func writeJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func writeSearchResponse(w io.Writer, response domain.SearchResponse) error {
	if _, err := fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("%q: %d results in %dms", response.Query, response.TotalItems, response.ElapsedMS))); err != nil {
		return err
	}
	if len(response.Items) > 0 {
		if _, err := fmt.Fprintln(w, resultsTable(response.Items)); err != nil {
			return err
		}
	}
	for _, status := range response.Providers {
		line := fmt.Sprintf("%s/%s: %d", status.Name, status.Type, status.Count)
		if !status.OK {
			line = errorStyle.Render(fmt.Sprintf("%s/%s failed: %s", status.Name, status.Type, status.Error))
		} else {
			line = mutedStyle.Render(line)
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func writeFeed(w io.Writer, feed domain.FeedResponse) error {
	header := fmt.Sprintf("%s %s from %s", feed.Kind, feed.Type, feed.Provider)
	if _, err := fmt.Fprintln(w, titleStyle.Render(header)); err != nil {
		return err
	}
	if len(feed.Items) == 0 {
		_, err := fmt.Fprintln(w, mutedStyle.Render("no items"))
		return err
	}
	_, err := fmt.Fprintln(w, resultsTable(feed.Items))
	return err
}

func writeSessionState(w io.Writer, state search.SessionState, asJSON bool) error {
	if asJSON {
		encoded, err := json.Marshal(state)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(encoded))
		return err
	}
	if state.Phase == search.PhaseErrored {
		_, err := fmt.Fprintln(w, errorStyle.Render(fmt.Sprintf("%q: %s", state.Query, state.Error)))
		return err
	}
	if _, err := fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("%q: %d results", state.Query, len(state.Results)))); err != nil {
		return err
	}
	if len(state.Results) == 0 {
		return nil
	}
	_, err := fmt.Fprintln(w, resultsTable(state.Results))
	return err
}

func resultsTable(items []domain.SearchResult) string {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{
			truncate(item.Title, maxTitleWidth),
			string(item.Type),
			formatYear(item.Year),
			formatRating(item.Rating),
			item.ExternalSource,
			libraryMark(item.InLibrary),
		})
	}
	return table.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers("TITLE", "TYPE", "YEAR", "RATING", "SOURCE", "LIB").
		Rows(rows...).
		String()
}

func formatYear(year int) string {
	if year <= 0 {
		return "-"
	}
	return strconv.Itoa(year)
}

func formatRating(rating *float64) string {
	if rating == nil {
		return "-"
	}
	return strconv.FormatFloat(*rating, 'f', 1, 64)
}

func libraryMark(inLibrary bool) string {
	if inLibrary {
		return "yes"
	}
	return ""
}

func truncate(value string, width int) string {
	value = strings.TrimSpace(value)
	runes := []rune(value)
	if len(runes) <= width {
		return value
	}
	return string(runes[:width-1]) + "…"
}
