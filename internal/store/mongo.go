package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/stridehq/meetstream/internal/domain"
)

// Collection names shared with the rest of the platform.
const (
	pendingApprovalsCollection = "pending_task_approvals"
	tasksCollection            = "tasks"
	teamMembersCollection      = "team_members"
	orgMembersCollection       = "org_members"
	sessionTriggersCollection  = "meeting_session_triggers"
)

// Mongo implements Store on a MongoDB database.
type Mongo struct {
	db *mongo.Database
}

// DialMongo connects to the given URI and returns a Store bound to dbName.
func DialMongo(ctx context.Context, uri, dbName string) (*Mongo, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &Mongo{db: client.Database(dbName)}, nil
}

// Close disconnects the underlying client.
func (s *Mongo) Close(ctx context.Context) error {
	return s.db.Client().Disconnect(ctx)
}

func (s *Mongo) InsertPendingApproval(ctx context.Context, p domain.PendingApproval) error {
	_, err := s.db.Collection(pendingApprovalsCollection).InsertOne(ctx, p)
	return err
}

func (s *Mongo) GetPendingApproval(ctx context.Context, pendingID string) (domain.PendingApproval, error) {
	var p domain.PendingApproval
	err := s.db.Collection(pendingApprovalsCollection).
		FindOne(ctx, bson.M{"pendingId": pendingID}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.PendingApproval{}, ErrNotFound
	}
	return p, err
}

func (s *Mongo) UpdatePendingApproval(ctx context.Context, p domain.PendingApproval) error {
	res, err := s.db.Collection(pendingApprovalsCollection).
		ReplaceOne(ctx, bson.M{"pendingId": p.PendingID}, p)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Mongo) ListPendingApprovals(ctx context.Context, orgID string, statuses []string) ([]domain.PendingApproval, error) {
	filter := bson.M{"orgId": orgID}
	if len(statuses) > 0 {
		filter["status"] = bson.M{"$in": statuses}
	}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}})
	cur, err := s.db.Collection(pendingApprovalsCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []domain.PendingApproval
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Mongo) InsertTask(ctx context.Context, t domain.Task) error {
	_, err := s.db.Collection(tasksCollection).InsertOne(ctx, t)
	return err
}

func (s *Mongo) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	var t domain.Task
	err := s.db.Collection(tasksCollection).FindOne(ctx, bson.M{"taskId": taskID}).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Task{}, ErrNotFound
	}
	return t, err
}

func (s *Mongo) TeamManagers(ctx context.Context, teamID string) ([]domain.Member, error) {
	return s.findMembers(ctx, teamMembersCollection, bson.M{"teamId": teamID, "role": domain.RoleManager})
}

func (s *Mongo) OrgAdmins(ctx context.Context, orgID string) ([]domain.Member, error) {
	return s.findMembers(ctx, orgMembersCollection, bson.M{"orgId": orgID, "role": domain.RoleOrgAdmin})
}

func (s *Mongo) TeamMembers(ctx context.Context, teamID string) ([]domain.Member, error) {
	return s.findMembers(ctx, teamMembersCollection, bson.M{"teamId": teamID})
}

func (s *Mongo) OrgMembers(ctx context.Context, orgID string) ([]domain.Member, error) {
	return s.findMembers(ctx, orgMembersCollection, bson.M{"orgId": orgID})
}

func (s *Mongo) ManagedTeamIDs(ctx context.Context, orgID, userID string) ([]string, error) {
	members, err := s.findMembers(ctx, teamMembersCollection, bson.M{
		"orgId": orgID, "uid": userID, "role": domain.RoleManager,
	})
	if err != nil {
		return nil, err
	}
	var out []string
	for _, m := range members {
		if m.TeamID != "" {
			out = append(out, m.TeamID)
		}
	}
	return out, nil
}

func (s *Mongo) IsTeamManager(ctx context.Context, teamID, userID string) (bool, error) {
	return s.exists(ctx, teamMembersCollection, bson.M{
		"teamId": teamID, "uid": userID, "role": domain.RoleManager,
	})
}

func (s *Mongo) IsOrgAdmin(ctx context.Context, orgID, userID string) (bool, error) {
	return s.exists(ctx, orgMembersCollection, bson.M{
		"orgId": orgID, "uid": userID, "role": domain.RoleOrgAdmin,
	})
}

func (s *Mongo) FindMemberByEmail(ctx context.Context, orgID, email string) (domain.Member, error) {
	var m domain.Member
	err := s.db.Collection(orgMembersCollection).
		FindOne(ctx, bson.M{"orgId": orgID, "email": strings.ToLower(email)}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Member{}, ErrNotFound
	}
	return m, err
}

func (s *Mongo) GetSessionTrigger(ctx context.Context, triggerID string) (domain.SessionTrigger, error) {
	var t domain.SessionTrigger
	err := s.db.Collection(sessionTriggersCollection).
		FindOne(ctx, bson.M{"triggerId": triggerID}).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.SessionTrigger{}, ErrNotFound
	}
	return t, err
}

func (s *Mongo) InsertSessionTrigger(ctx context.Context, t domain.SessionTrigger) error {
	_, err := s.db.Collection(sessionTriggersCollection).InsertOne(ctx, t)
	return err
}

func (s *Mongo) findMembers(ctx context.Context, collection string, filter bson.M) ([]domain.Member, error) {
	cur, err := s.db.Collection(collection).Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []domain.Member
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Mongo) exists(ctx context.Context, collection string, filter bson.M) (bool, error) {
	err := s.db.Collection(collection).FindOne(ctx, filter).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
