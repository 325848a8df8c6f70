package datasource

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog"

	"github.com/jreiner16/AceMarket/internal/logging"
	"github.com/jreiner16/AceMarket/pkg/models"
)

const (
	newsFeedURL = "https://feeds.finance.yahoo.com/rss/2.0/headline"

	// MarketNewsSymbol is the feed used when no symbol is given.
	MarketNewsSymbol = "^GSPC"

	// newsCacheTTL is short; headlines go stale fast.
	newsCacheTTL = 10 * time.Minute
)

// News fetches headlines from the Yahoo Finance per-symbol RSS feed.
type News struct {
	baseURL string
	cache   *Cache
	parser  *gofeed.Parser
	log     zerolog.Logger
}

// NewNews creates a news provider with a 10-minute cache.
func NewNews() *News {
	parser := gofeed.NewParser()
	parser.UserAgent = DefaultUserAgent
	return &News{
		baseURL: newsFeedURL,
		cache:   NewCache(newsCacheTTL, seriesCacheMax),
		parser:  parser,
		log:     logging.Component("news"),
	}
}

// Headlines returns up to limit articles for the symbol, newest first.
// An empty symbol falls back to broad-market news.
func (n *News) Headlines(ctx context.Context, symbol string, limit int) ([]models.NewsArticle, error) {
	symbol = normalizeSymbol(symbol)
	if symbol == "" {
		symbol = MarketNewsSymbol
	}
	if limit <= 0 {
		limit = 10
	}

	key := fmt.Sprintf("news:%s", symbol)
	if cached, ok := n.cache.Get(key); ok {
		return clipArticles(cached.([]models.NewsArticle), limit), nil
	}

	u := fmt.Sprintf("%s?s=%s&region=US&lang=en-US", n.baseURL, url.QueryEscape(symbol))
	body, err := doGet(ctx, u, nil)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	feed, err := n.parser.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse news feed for %s: %w", symbol, err)
	}

	articles := make([]models.NewsArticle, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item.Title == "" || item.Link == "" {
			continue
		}
		article := models.NewsArticle{
			Title:   strings.TrimSpace(item.Title),
			Summary: cleanHTML(item.Description),
			URL:     item.Link,
			Source:  "Yahoo Finance",
			Symbol:  symbol,
		}
		if item.PublishedParsed != nil {
			article.PublishedAt = item.PublishedParsed.UTC()
		}
		articles = append(articles, article)
	}

	n.cache.Set(key, articles)
	n.log.Debug().Str("symbol", symbol).Int("articles", len(articles)).Msg("fetched news")
	return clipArticles(articles, limit), nil
}

func clipArticles(articles []models.NewsArticle, limit int) []models.NewsArticle {
	if len(articles) > limit {
		return articles[:limit]
	}
	return articles
}

// cleanHTML strips markup from a feed summary, collapsing whitespace.
func cleanHTML(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return raw
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}
