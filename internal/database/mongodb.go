// internal/database/mongodb.go
package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"gator-threads/internal/models"
	"gator-threads/internal/utils"
)

// MongoDB is a Backend on MongoDB. Likes and votes live in their own
// collections, one document per (node, viewer).
type MongoDB struct {
	Client *mongo.Client
	Nodes  *mongo.Collection
	Likes  *mongo.Collection
	Votes  *mongo.Collection
	log    *slog.Logger
}

// NodeDocument represents node data in MongoDB
type NodeDocument struct {
	ID          string        `bson:"_id"`
	ThreadID    string        `bson:"threadId"`
	ParentID    string        `bson:"parentId,omitempty"`
	AuthorID    string        `bson:"authorId"`
	Depth       int           `bson:"depth"`
	Content     string        `bson:"content"`
	Attachments []string      `bson:"attachments,omitempty"`
	IsDeleted   bool          `bson:"isDeleted"`
	Poll        *PollDocument `bson:"poll,omitempty"`
	CreatedAt   time.Time     `bson:"createdAt"`
	UpdatedAt   time.Time     `bson:"updatedAt"`
}

// PollDocument holds the options of a poll; counts are derived from Votes.
type PollDocument struct {
	Options []models.PollOption `bson:"options"`
	Closed  bool                `bson:"closed"`
}

type LikeDocument struct {
	ID        string    `bson:"_id"`
	NodeID    string    `bson:"nodeId"`
	ViewerID  string    `bson:"viewerId"`
	CreatedAt time.Time `bson:"createdAt"`
}

type VoteDocument struct {
	ID        string    `bson:"_id"`
	NodeID    string    `bson:"nodeId"`
	ViewerID  string    `bson:"viewerId"`
	OptionID  string    `bson:"optionId"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

// viewerCounts is what the likes and votes collections say about a page.
type viewerCounts struct {
	likes    map[string]int
	liked    map[string]bool
	votes    map[string]map[string]int // node -> option -> count
	selected map[string]string
}

func NewMongoDB(uri, database string, logger *slog.Logger) (*MongoDB, error) {
	serverAPI := options.ServerAPI(options.ServerAPIVersion1)
	opts := options.Client().ApplyURI(uri).SetServerAPIOptions(serverAPI)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %v", err)
	}

	// Ping the database to verify connection
	if err := client.Database("admin").RunCommand(ctx, bson.D{{Key: "ping", Value: 1}}).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %v", err)
	}

	logger.Info("Connected to MongoDB", "database", database)

	db := client.Database(database)
	return &MongoDB{
		Client: client,
		Nodes:  db.Collection("nodes"),
		Likes:  db.Collection("likes"),
		Votes:  db.Collection("votes"),
		log:    logger,
	}, nil
}

func (m *MongoDB) Close(ctx context.Context) error {
	return m.Client.Disconnect(ctx)
}

// EnsureIndexes creates the indexes paging and per-viewer lookups rely on
func (m *MongoDB) EnsureIndexes(ctx context.Context) error {
	_, err := m.Nodes.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "threadId", Value: 1}, {Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create node indexes: %v", err)
	}

	perViewer := mongo.IndexModel{
		Keys:    bson.D{{Key: "nodeId", Value: 1}, {Key: "viewerId", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	for _, coll := range []*mongo.Collection{m.Likes, m.Votes} {
		if _, err := coll.Indexes().CreateOne(ctx, perViewer); err != nil {
			return fmt.Errorf("failed to create %s indexes: %v", coll.Name(), err)
		}
	}
	return nil
}

func (m *MongoDB) FetchPage(ctx context.Context, threadID string, offset, limit int) (*models.Page, error) {
	filter := bson.M{"threadId": threadID}
	findOpts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))

	cursor, err := m.Nodes.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, mongoError("failed to query thread page", err)
	}
	var docs []NodeDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, mongoError("failed to decode thread page", err)
	}

	total, err := m.Nodes.CountDocuments(ctx, filter)
	if err != nil {
		return nil, mongoError("failed to count thread nodes", err)
	}
	deleted, err := m.Nodes.CountDocuments(ctx, bson.M{"threadId": threadID, "isDeleted": true})
	if err != nil {
		return nil, mongoError("failed to count deleted nodes", err)
	}

	nodes, err := m.assemble(ctx, docs, ViewerFrom(ctx))
	if err != nil {
		return nil, err
	}
	return &models.Page{
		Nodes:             nodes,
		TotalCount:        int(total),
		DeletedTotalCount: int(deleted),
		HasMore:           offset+len(nodes) < int(total),
	}, nil
}

func (m *MongoDB) SubmitMutation(ctx context.Context, req *models.MutationRequest) (*models.MutationResult, error) {
	if req.ViewerID == "" {
		return nil, utils.NewAuthRequiredError(string(req.Kind))
	}

	targetID := req.TargetID
	var err error
	switch req.Kind {
	case models.MutationCreate, models.MutationReply:
		targetID, err = m.insertNode(ctx, req)
	case models.MutationLike:
		err = m.recordLike(ctx, req)
	case models.MutationVote:
		err = m.recordVote(ctx, req)
	case models.MutationEdit:
		err = m.updateOwned(ctx, req, bson.M{"isDeleted": false}, bson.M{
			"content":     req.Content,
			"attachments": req.Attachments,
			"updatedAt":   time.Now(),
		})
	case models.MutationDelete:
		err = m.updateOwned(ctx, req, bson.M{}, bson.M{"isDeleted": true, "updatedAt": time.Now()})
	default:
		err = utils.NewValidationError("unsupported mutation kind %q", req.Kind)
	}
	if err != nil {
		return nil, err
	}

	doc, err := m.findNode(ctx, req.ThreadID, targetID)
	if err != nil {
		return nil, err
	}
	nodes, err := m.assemble(ctx, []NodeDocument{*doc}, req.ViewerID)
	if err != nil {
		return nil, err
	}
	node := nodes[0]
	return &models.MutationResult{
		CorrelationID: req.CorrelationID,
		Node:          node,
		Liked:         node.IsLikedByViewer,
		LikeCount:     node.LikeCount,
		Poll:          node.Poll,
	}, nil
}

func (m *MongoDB) insertNode(ctx context.Context, req *models.MutationRequest) (string, error) {
	if strings.TrimSpace(req.Content) == "" && len(req.Attachments) == 0 {
		return "", utils.NewValidationError("content or an attachment is required")
	}
	now := time.Now()
	doc := NodeDocument{
		ID:          uuid.NewString(),
		ThreadID:    req.ThreadID,
		AuthorID:    req.ViewerID,
		Content:     req.Content,
		Attachments: req.Attachments,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.Kind == models.MutationReply {
		parent, err := m.findNode(ctx, req.ThreadID, req.ParentID)
		if err != nil {
			return "", err
		}
		if parent.IsDeleted {
			return "", utils.NewConflictError("cannot reply to deleted node "+req.ParentID, nil)
		}
		doc.ParentID = parent.ID
		doc.Depth = parent.Depth + 1
	}

	if _, err := m.Nodes.InsertOne(ctx, doc); err != nil {
		return "", mongoError("failed to insert node", err)
	}
	m.log.Debug("Inserted node", "node", doc.ID, "thread", doc.ThreadID, "parent", doc.ParentID)
	return doc.ID, nil
}

func (m *MongoDB) recordLike(ctx context.Context, req *models.MutationRequest) error {
	if _, err := m.findNode(ctx, req.ThreadID, req.TargetID); err != nil {
		return err
	}
	filter := bson.M{"nodeId": req.TargetID, "viewerId": req.ViewerID}
	if !req.Liked {
		if _, err := m.Likes.DeleteOne(ctx, filter); err != nil {
			return mongoError("failed to remove like", err)
		}
		return nil
	}

	update := bson.M{"$setOnInsert": bson.M{"_id": uuid.NewString(), "createdAt": time.Now()}}
	if _, err := m.Likes.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return mongoError("failed to record like", err)
	}
	return nil
}

func (m *MongoDB) recordVote(ctx context.Context, req *models.MutationRequest) error {
	doc, err := m.findNode(ctx, req.ThreadID, req.TargetID)
	if err != nil {
		return err
	}
	switch {
	case doc.Poll == nil:
		return utils.NewValidationError("node %s has no poll", req.TargetID)
	case doc.Poll.Closed:
		return utils.NewConflictError("voting on node "+req.TargetID+" is closed", nil)
	}

	filter := bson.M{"nodeId": req.TargetID, "viewerId": req.ViewerID}
	if req.OptionID == "" {
		if _, err := m.Votes.DeleteOne(ctx, filter); err != nil {
			return mongoError("failed to retract vote", err)
		}
		return nil
	}

	known := false
	for _, o := range doc.Poll.Options {
		if o.ID == req.OptionID {
			known = true
			break
		}
	}
	if !known {
		return utils.NewValidationError("unknown poll option %q", req.OptionID)
	}

	update := bson.M{
		"$set":         bson.M{"optionId": req.OptionID, "updatedAt": time.Now()},
		"$setOnInsert": bson.M{"_id": uuid.NewString()},
	}
	if _, err := m.Votes.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return mongoError("failed to record vote", err)
	}
	return nil
}

func (m *MongoDB) updateOwned(ctx context.Context, req *models.MutationRequest, extra, set bson.M) error {
	filter := bson.M{"_id": req.TargetID, "threadId": req.ThreadID, "authorId": req.ViewerID}
	for k, v := range extra {
		filter[k] = v
	}
	result, err := m.Nodes.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return mongoError("failed to update node", err)
	}
	if result.MatchedCount == 0 {
		if _, err := m.findNode(ctx, req.ThreadID, req.TargetID); err != nil {
			return err
		}
		return utils.NewConflictError("node "+req.TargetID+" cannot be changed by this viewer", nil)
	}
	return nil
}

func (m *MongoDB) findNode(ctx context.Context, threadID, id string) (*NodeDocument, error) {
	var doc NodeDocument
	err := m.Nodes.FindOne(ctx, bson.M{"_id": id, "threadId": threadID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, utils.NewNotFoundError("node", id)
	}
	if err != nil {
		return nil, mongoError("failed to get node", err)
	}
	return &doc, nil
}

// assemble loads the like and vote state for the given documents.
func (m *MongoDB) assemble(ctx context.Context, docs []NodeDocument, viewerID string) ([]*models.Node, error) {
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	counts := viewerCounts{
		likes:    make(map[string]int),
		liked:    make(map[string]bool),
		votes:    make(map[string]map[string]int),
		selected: make(map[string]string),
	}
	if len(ids) == 0 {
		return []*models.Node{}, nil
	}
	inPage := bson.M{"nodeId": bson.M{"$in": ids}}

	var likeGroups []struct {
		NodeID string `bson:"_id"`
		Count  int    `bson:"count"`
	}
	if err := m.aggregate(ctx, m.Likes, mongo.Pipeline{
		{{Key: "$match", Value: inPage}},
		{{Key: "$group", Value: bson.M{"_id": "$nodeId", "count": bson.M{"$sum": 1}}}},
	}, &likeGroups); err != nil {
		return nil, err
	}
	for _, g := range likeGroups {
		counts.likes[g.NodeID] = g.Count
	}

	var voteGroups []struct {
		Key struct {
			NodeID   string `bson:"nodeId"`
			OptionID string `bson:"optionId"`
		} `bson:"_id"`
		Count int `bson:"count"`
	}
	if err := m.aggregate(ctx, m.Votes, mongo.Pipeline{
		{{Key: "$match", Value: inPage}},
		{{Key: "$group", Value: bson.M{
			"_id":   bson.M{"nodeId": "$nodeId", "optionId": "$optionId"},
			"count": bson.M{"$sum": 1},
		}}},
	}, &voteGroups); err != nil {
		return nil, err
	}
	for _, g := range voteGroups {
		if counts.votes[g.Key.NodeID] == nil {
			counts.votes[g.Key.NodeID] = make(map[string]int)
		}
		counts.votes[g.Key.NodeID][g.Key.OptionID] = g.Count
	}

	if viewerID != "" {
		mine := bson.M{"viewerId": viewerID, "nodeId": bson.M{"$in": ids}}
		var likes []LikeDocument
		if err := m.findAll(ctx, m.Likes, mine, &likes); err != nil {
			return nil, err
		}
		for _, l := range likes {
			counts.liked[l.NodeID] = true
		}
		var votes []VoteDocument
		if err := m.findAll(ctx, m.Votes, mine, &votes); err != nil {
			return nil, err
		}
		for _, v := range votes {
			counts.selected[v.NodeID] = v.OptionID
		}
	}

	nodes := make([]*models.Node, len(docs))
	for i := range docs {
		nodes[i] = docToNode(&docs[i], counts)
	}
	return nodes, nil
}

func (m *MongoDB) aggregate(ctx context.Context, coll *mongo.Collection, pipeline mongo.Pipeline, out any) error {
	cursor, err := coll.Aggregate(ctx, pipeline)
	if err != nil {
		return mongoError("failed to aggregate "+coll.Name(), err)
	}
	if err := cursor.All(ctx, out); err != nil {
		return mongoError("failed to decode "+coll.Name(), err)
	}
	return nil
}

func (m *MongoDB) findAll(ctx context.Context, coll *mongo.Collection, filter bson.M, out any) error {
	cursor, err := coll.Find(ctx, filter)
	if err != nil {
		return mongoError("failed to query "+coll.Name(), err)
	}
	if err := cursor.All(ctx, out); err != nil {
		return mongoError("failed to decode "+coll.Name(), err)
	}
	return nil
}

// SeedNodes stores fixture nodes, polls included, as they are.
func (m *MongoDB) SeedNodes(ctx context.Context, nodes ...*models.Node) error {
	for _, n := range nodes {
		doc := NodeDocument{
			ID:          n.ID,
			ThreadID:    n.ThreadID,
			ParentID:    n.ParentID,
			AuthorID:    n.AuthorID,
			Depth:       n.Depth,
			Content:     n.Content,
			Attachments: n.Attachments,
			IsDeleted:   n.IsDeleted,
			CreatedAt:   n.CreatedAt,
			UpdatedAt:   n.UpdatedAt,
		}
		if n.Poll != nil {
			doc.Poll = &PollDocument{Options: n.Poll.Options, Closed: n.Poll.Closed}
		}
		opts := options.Replace().SetUpsert(true)
		if _, err := m.Nodes.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, opts); err != nil {
			return mongoError("failed to seed node "+doc.ID, err)
		}
	}
	return nil
}

// Helper function to convert NodeDocument to models.Node
func docToNode(doc *NodeDocument, counts viewerCounts) *models.Node {
	n := &models.Node{
		ID:              doc.ID,
		ThreadID:        doc.ThreadID,
		ParentID:        doc.ParentID,
		AuthorID:        doc.AuthorID,
		Depth:           doc.Depth,
		Content:         doc.Content,
		Attachments:     doc.Attachments,
		LikeCount:       counts.likes[doc.ID],
		IsLikedByViewer: counts.liked[doc.ID],
		IsDeleted:       doc.IsDeleted,
		CreatedAt:       doc.CreatedAt,
		UpdatedAt:       doc.UpdatedAt,
	}
	if doc.Poll != nil {
		poll := &models.Poll{
			Options:  make([]models.PollOption, len(doc.Poll.Options)),
			Selected: counts.selected[doc.ID],
			Closed:   doc.Poll.Closed,
		}
		for i, o := range doc.Poll.Options {
			poll.Options[i] = models.PollOption{ID: o.ID, Label: o.Label, Count: counts.votes[doc.ID][o.ID]}
		}
		poll.Total = poll.SumCounts()
		n.Poll = poll
	}
	return n
}

func mongoError(message string, err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return utils.NewConflictError(message, err)
	}
	return utils.NewTransportError(message, err)
}
